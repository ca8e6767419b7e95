package jblav

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// connectedReceiver runs a receiver session against a mock until the
// handshake has been sent.
func connectedReceiver(t *testing.T, irCodes map[string]int) (*Receiver, *MockReceiver) {
	t.Helper()
	mock := NewMockReceiver(t)
	r := NewReceiver(ReceiverConfig{ID: "avr-test", Session: mock.SessionConfig(), IRCodes: irCodes}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunSession(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("RunSession did not stop")
		}
	})

	mock.WaitFrames(t, 6)
	waitFor(t, r.IsConnected, "receiver connected")
	return r, mock
}

func TestExecuteSendsFrames(t *testing.T) {
	r, mock := connectedReceiver(t, map[string]int{"Menu": 0x00A1B2})

	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"on", Command{Name: CmdOn}, SwitchCommand(OpPower, true)},
		{"off", Command{Name: "OFF"}, SwitchCommand(OpPower, false)},
		{"set volume float", Command{Name: CmdSetVolume, Parameters: map[string]any{"volume": float64(40)}}, SetVolumeCommand(40)},
		{"set volume clamps", Command{Name: CmdSetVolume, Parameters: map[string]any{"volume": 120}}, SetVolumeCommand(99)},
		{"mute", Command{Name: CmdMute}, SwitchCommand(OpMute, true)},
		{"source by name", Command{Name: CmdSelectSource, Parameters: map[string]any{"source": "HDMI 3"}}, []byte{0x23, 0x05, 0x01, 0x04, 0x0D}},
		{"source by hex string", Command{Name: CmdSelectSource, Parameters: map[string]any{"source": "0x0E"}}, []byte{0x23, 0x05, 0x01, 0x0E, 0x0D}},
		{"surround by id", Command{Name: CmdSelectSurround, Parameters: map[string]any{"mode": 3}}, []byte{0x23, 0x08, 0x01, 0x03, 0x0D}},
		{"display dim", Command{Name: CmdDisplayDim, Parameters: map[string]any{"level": "1"}}, []byte{0x23, 0x01, 0x01, 0x01, 0x0D}},
		{"ir raw", Command{Name: CmdIR, Parameters: map[string]any{"code": json.Number("1193046")}}, []byte{0x23, 0x04, 0x03, 0x12, 0x34, 0x56, 0x0D}},
		{"ir key", Command{Name: CmdIRKey, Parameters: map[string]any{"key": "menu"}}, []byte{0x23, 0x04, 0x03, 0x00, 0xA1, 0xB2, 0x0D}},
		{"party on", Command{Name: CmdPartyOn}, SwitchCommand(OpPartyMode, true)},
		{"party volume", Command{Name: CmdPartyVolume, Parameters: map[string]any{"volume": 25}}, SetPartyVolumeCommand(25)},
		{"treble", Command{Name: CmdTreble, Parameters: map[string]any{"db": -2}}, []byte{0x23, 0x0B, 0x01, 0xFE, 0x0D}},
		{"bass", Command{Name: CmdBass, Parameters: map[string]any{"db": 6}}, []byte{0x23, 0x0C, 0x01, 0x06, 0x0D}},
		{"room eq", Command{Name: CmdRoomEQ, Parameters: map[string]any{"on": true}}, SwitchCommand(OpRoomEQ, true)},
		{"dialog enhanced", Command{Name: CmdDialogEnhanced, Parameters: map[string]any{"on": "false"}}, SwitchCommand(OpDialogEnhanced, false)},
		{"dolby audio", Command{Name: CmdDolbyAudio, Parameters: map[string]any{"on": 1}}, SwitchCommand(OpDolbyAudioMode, true)},
		{"drc", Command{Name: CmdDRC, Parameters: map[string]any{"on": false}}, SwitchCommand(OpDRC, false)},
		{"query streaming", Command{Name: CmdQueryStreaming}, QueryCommand(OpStreamingState)},
		{"query version default", Command{Name: CmdQueryVersion}, []byte{0x23, 0x02, 0x01, 0xF0, 0x0D}},
		{"query version host", Command{Name: CmdQueryVersion, Parameters: map[string]any{"type": "host"}}, []byte{0x23, 0x02, 0x01, 0xF1, 0x0D}},
		{"reboot", Command{Name: CmdReboot}, RebootCommand()},
		{"factory reset", Command{Name: CmdFactoryReset}, FactoryResetCommand()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(mock.Frames())
			if err := r.Execute(context.Background(), tt.cmd); err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			frames := mock.WaitFrames(t, before+1)
			if got := frames[before]; !bytes.Equal(got, tt.want) {
				t.Errorf("sent % X, want % X", got, tt.want)
			}
		})
	}
}

func TestExecuteToggleUsesSnapshot(t *testing.T) {
	r, mock := connectedReceiver(t, nil)

	// power defaults to off, so toggle turns it on
	before := len(mock.Frames())
	if err := r.Execute(context.Background(), Command{Name: CmdToggle}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	frames := mock.WaitFrames(t, before+1)
	if !bytes.Equal(frames[before], SwitchCommand(OpPower, true)) {
		t.Errorf("toggle sent % X", frames[before])
	}

	mock.Send(t, []byte{0x02, 0x23, 0x07, 0x00, 0x01, 0x01, 0x0D})
	waitFor(t, func() bool { return r.State().Bool(AttrMuted) }, "muted")

	before = len(mock.Frames())
	if err := r.Execute(context.Background(), Command{Name: CmdMuteToggle}); err != nil {
		t.Fatalf("mute toggle: %v", err)
	}
	frames = mock.WaitFrames(t, before+1)
	if !bytes.Equal(frames[before], SwitchCommand(OpMute, false)) {
		t.Errorf("mute toggle sent % X", frames[before])
	}

	mock.Send(t, []byte{0x02, 0x23, 0x06, 0x00, 0x01, 0x63, 0x0D})
	waitFor(t, func() bool { v, _ := r.State().Int(AttrVolume); return v == 99 }, "volume 99")

	before = len(mock.Frames())
	if err := r.Execute(context.Background(), Command{Name: CmdVolumeUp}); err != nil {
		t.Fatalf("volume up: %v", err)
	}
	frames = mock.WaitFrames(t, before+1)
	if !bytes.Equal(frames[before], SetVolumeCommand(99)) {
		t.Errorf("volume up at max sent % X", frames[before])
	}
}

func TestExecuteQueryAll(t *testing.T) {
	r, mock := connectedReceiver(t, nil)

	before := len(mock.Frames())
	if err := r.Execute(context.Background(), Command{Name: CmdQuery}); err != nil {
		t.Fatalf("query: %v", err)
	}
	frames := mock.WaitFrames(t, before+5)
	for i, op := range handshakeQueries {
		if !bytes.Equal(frames[before+i], QueryCommand(op)) {
			t.Errorf("query[%d] = % X, want %s", i, frames[before+i], op)
		}
	}
}

func TestExecuteValidation(t *testing.T) {
	r := NewReceiver(ReceiverConfig{ID: "avr-test"}, nil, nil)

	tests := []struct {
		name    string
		cmd     Command
		wantErr error
	}{
		{"unknown command", Command{Name: "eject"}, ErrInvalidCommand},
		{"missing volume", Command{Name: CmdSetVolume}, ErrInvalidCommand},
		{"fractional volume", Command{Name: CmdSetVolume, Parameters: map[string]any{"volume": 40.5}}, ErrInvalidCommand},
		{"volume wrong type", Command{Name: CmdSetVolume, Parameters: map[string]any{"volume": []int{1}}}, ErrInvalidCommand},
		{"unknown source", Command{Name: CmdSelectSource, Parameters: map[string]any{"source": "VHS"}}, ErrInvalidCommand},
		{"treble out of range", Command{Name: CmdTreble, Parameters: map[string]any{"db": 9}}, ErrOutOfRange},
		{"display out of range", Command{Name: CmdDisplayDim, Parameters: map[string]any{"level": 7}}, ErrOutOfRange},
		{"ir key not configured", Command{Name: CmdIRKey, Parameters: map[string]any{"key": "menu"}}, ErrInvalidCommand},
		{"ir key missing", Command{Name: CmdIRKey}, ErrInvalidCommand},
		{"bad version type", Command{Name: CmdQueryVersion, Parameters: map[string]any{"type": "bios"}}, ErrInvalidCommand},
		{"bad bool", Command{Name: CmdDRC, Parameters: map[string]any{"on": "maybe"}}, ErrInvalidCommand},
		{"not connected", Command{Name: CmdOn}, ErrNotConnected},
		{"not connected volume", Command{Name: CmdSetVolume, Parameters: map[string]any{"volume": 10}}, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Execute(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Execute() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReceiverRunSessionEndsOnPeerClose(t *testing.T) {
	mock := NewMockReceiver(t)
	r := NewReceiver(ReceiverConfig{ID: "avr-test", Session: mock.SessionConfig()}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- r.RunSession(context.Background()) }()

	mock.WaitFrames(t, 6)
	mock.Hangup(t)

	select {
	case err := <-done:
		if !errors.Is(err, ErrPeerClosed) {
			t.Errorf("RunSession() = %v, want ErrPeerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not return")
	}

	if r.IsConnected() {
		t.Error("IsConnected() after session ended")
	}
	if r.Stats().CommandsTx != 6 {
		t.Errorf("last session CommandsTx = %d, want 6", r.Stats().CommandsTx)
	}
	if err := r.PowerOn(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PowerOn() = %v, want ErrNotConnected", err)
	}
}
