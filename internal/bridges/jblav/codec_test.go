package jblav

import (
	"bytes"
	"math/rand"
	"testing"
)

var volumeFrame = []byte{0x02, 0x23, 0x06, 0x00, 0x01, 0x37, 0x0D}

func drainAll(f *FrameBuffer) [][]byte {
	var frames [][]byte
	for {
		frame, ok := f.Next()
		if !ok {
			return frames
		}
		frames = append(frames, frame)
	}
}

func TestFrameBufferNext(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		wantFrames [][]byte
		wantLeft   int
	}{
		{
			name:       "single frame",
			input:      volumeFrame,
			wantFrames: [][]byte{volumeFrame},
		},
		{
			name:     "fewer than five bytes",
			input:    []byte{0x02, 0x23, 0x06, 0x00},
			wantLeft: 4,
		},
		{
			name:     "marker without terminator",
			input:    []byte{0x02, 0x23, 0x06, 0x00, 0x01, 0x37},
			wantLeft: 6,
		},
		{
			name:       "prefix before marker is dropped",
			input:      append([]byte{0xFF, 0x00, 0x13}, volumeFrame...),
			wantFrames: [][]byte{volumeFrame},
		},
		{
			name:  "back to back frames",
			input: append(append([]byte{}, volumeFrame...), 0x02, 0x23, 0x07, 0x00, 0x01, 0x01, 0x0D),
			wantFrames: [][]byte{
				volumeFrame,
				{0x02, 0x23, 0x07, 0x00, 0x01, 0x01, 0x0D},
			},
		},
		{
			name:       "trailing partial frame is kept",
			input:      append(append([]byte{}, volumeFrame...), 0x02, 0x23, 0x05),
			wantFrames: [][]byte{volumeFrame},
			wantLeft:   3,
		},
		{
			name:     "short garbage without marker is kept",
			input:    bytes.Repeat([]byte{0xAA}, 100),
			wantLeft: 100,
		},
		{
			name:     "long garbage without marker is cleared",
			input:    bytes.Repeat([]byte{0xAA}, 101),
			wantLeft: 0,
		},
		{
			name: "carriage return in room EQ frame truncates it",
			// opcode 0x0D collides with the terminator
			input:      []byte{0x02, 0x23, 0x0D, 0x00, 0x01, 0x01, 0x0D},
			wantFrames: [][]byte{{0x02, 0x23, 0x0D}},
			wantLeft:   4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFrameBuffer(nil)
			f.Append(tt.input)

			got := drainAll(f)
			if len(got) != len(tt.wantFrames) {
				t.Fatalf("got %d frames, want %d: % X", len(got), len(tt.wantFrames), got)
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.wantFrames[i]) {
					t.Errorf("frame[%d] = % X, want % X", i, got[i], tt.wantFrames[i])
				}
			}
			if f.Len() != tt.wantLeft {
				t.Errorf("Len() = %d, want %d", f.Len(), tt.wantLeft)
			}
		})
	}
}

func TestFrameBufferGarbageResync(t *testing.T) {
	var discarded int
	var reason string
	f := NewFrameBuffer(func(n int, r string) {
		discarded += n
		reason = r
	})

	f.Append(bytes.Repeat([]byte{0x5A}, 150))
	if _, ok := f.Next(); ok {
		t.Fatal("Next() returned a frame from garbage")
	}
	if f.Len() != 0 {
		t.Fatalf("Len() = %d after resync, want 0", f.Len())
	}
	if discarded != 150 || reason != DiscardNoMarker {
		t.Errorf("discard = %d/%q, want 150/%q", discarded, reason, DiscardNoMarker)
	}

	f.Append(volumeFrame)
	frame, ok := f.Next()
	if !ok {
		t.Fatal("Next() found no frame after resync")
	}
	if !bytes.Equal(frame, volumeFrame) {
		t.Errorf("frame = % X, want % X", frame, volumeFrame)
	}
}

func TestFrameBufferSplitDelivery(t *testing.T) {
	f := NewFrameBuffer(nil)

	f.Append(volumeFrame[:2])
	if _, ok := f.Next(); ok {
		t.Fatal("frame emitted after 2 bytes")
	}
	f.Append(volumeFrame[2:5])
	if _, ok := f.Next(); ok {
		t.Fatal("frame emitted after 5 bytes")
	}
	f.Append(volumeFrame[5:])

	got := drainAll(f)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}

	single := NewFrameBuffer(nil)
	single.Append(volumeFrame)
	want := drainAll(single)

	if !bytes.Equal(got[0], want[0]) {
		t.Errorf("split frame = % X, single-shot = % X", got[0], want[0])
	}
}

func TestFrameBufferPrefixDiscardReported(t *testing.T) {
	var n int
	f := NewFrameBuffer(func(count int, reason string) {
		if reason == DiscardPrefix {
			n += count
		}
	})
	f.Append(append([]byte{0x01, 0x02, 0x03}, volumeFrame...))
	drainAll(f)
	if n != 3 {
		t.Errorf("prefix discarded = %d, want 3", n)
	}
}

func TestFrameBufferReturnsCopies(t *testing.T) {
	f := NewFrameBuffer(nil)
	f.Append(volumeFrame)
	frame, _ := f.Next()

	f.Append([]byte{0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE, 0xEE})
	if !bytes.Equal(frame, volumeFrame) {
		t.Errorf("frame changed after Append: % X", frame)
	}
}

// Draining consumes exactly the bytes of emitted frames plus dropped noise;
// what is left is either empty or starts a frame that has not completed.
func TestFrameBufferDrainConsumesFrames(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		var input []byte
		for j := rng.Intn(6); j > 0; j-- {
			switch rng.Intn(3) {
			case 0:
				input = append(input, volumeFrame...)
			case 1:
				noise := make([]byte, rng.Intn(20))
				rng.Read(noise)
				input = append(input, noise...)
			default:
				input = append(input, 0x02, 0x23, byte(rng.Intn(0x12)), 0x00, 0x00, 0x0D)
			}
		}

		var dropped int
		f := NewFrameBuffer(func(n int, _ string) { dropped += n })
		f.Append(input)
		frames := drainAll(f)

		consumed := dropped
		for _, fr := range frames {
			consumed += len(fr)
			if fr[0] != ResponseStart || fr[1] != CommandStart || fr[len(fr)-1] != FrameEnd {
				t.Fatalf("case %d: frame % X lacks marker or terminator", i, fr)
			}
		}
		if consumed+f.Len() != len(input) {
			t.Fatalf("case %d: consumed %d + left %d != input %d", i, consumed, f.Len(), len(input))
		}

		left := f.buf
		if len(left) == 0 {
			continue
		}
		start := bytes.Index(left, responseMarker)
		switch {
		case start == 0:
			if bytes.IndexByte(left, FrameEnd) >= 0 && len(left) >= minFrameLen {
				t.Fatalf("case %d: complete frame left behind: % X", i, left)
			}
		case start < 0:
			if len(left) > maxGarbageLen {
				t.Fatalf("case %d: %d bytes of garbage kept", i, len(left))
			}
		default:
			if len(left) >= minFrameLen {
				t.Fatalf("case %d: prefix not dropped: % X", i, left)
			}
		}
	}
}
