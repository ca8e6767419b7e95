package jblav

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// MockReceiver simulates the receiver's IP control port.
type MockReceiver struct {
	listener net.Listener
	mu       sync.Mutex
	conn     net.Conn
	received []byte
	accepted chan struct{}
	done     chan struct{}

	// replies maps an outbound opcode to the frame sent back for it.
	replies map[Opcode][]byte
}

// NewMockReceiver starts a mock receiver that accepts one connection.
func NewMockReceiver(t *testing.T) *MockReceiver {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	m := &MockReceiver{
		listener: listener,
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
		replies:  make(map[Opcode][]byte),
	}
	go m.acceptLoop()
	t.Cleanup(m.Close)
	return m
}

// Reply registers an automatic response for an outbound opcode.
func (m *MockReceiver) Reply(op Opcode, frame []byte) {
	m.mu.Lock()
	m.replies[op] = frame
	m.mu.Unlock()
}

func (m *MockReceiver) acceptLoop() {
	conn, err := m.listener.Accept()
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	close(m.accepted)

	buf := make([]byte, 256)
	var pending []byte
	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)) //nolint:errcheck // test server
		n, err := conn.Read(buf)
		if n > 0 {
			m.mu.Lock()
			m.received = append(m.received, buf[:n]...)
			m.mu.Unlock()

			pending = append(pending, buf[:n]...)
			for {
				end := bytes.IndexByte(pending, FrameEnd)
				if end < 0 {
					break
				}
				frame := pending[:end+1]
				pending = pending[end+1:]
				if len(frame) > 1 {
					m.mu.Lock()
					reply := m.replies[Opcode(frame[1])]
					m.mu.Unlock()
					if reply != nil {
						conn.Write(reply) //nolint:errcheck // test server
					}
				}
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
	}
}

// SessionConfig returns a session config pointing at the mock with short delays.
func (m *MockReceiver) SessionConfig() SessionConfig {
	addr := m.listener.Addr().(*net.TCPAddr)
	return SessionConfig{
		Host:          "127.0.0.1",
		Port:          addr.Port,
		SettleDelay:   time.Millisecond,
		QueryInterval: time.Millisecond,
	}
}

// Address returns host:port of the mock.
func (m *MockReceiver) Address() string {
	addr := m.listener.Addr().(*net.TCPAddr)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))
}

// Send writes raw bytes to the connected client.
func (m *MockReceiver) Send(t *testing.T, data []byte) {
	t.Helper()
	m.waitAccepted(t)
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("mock write: %v", err)
	}
}

// Hangup closes the client connection from the receiver side.
func (m *MockReceiver) Hangup(t *testing.T) {
	t.Helper()
	m.waitAccepted(t)
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	conn.Close() //nolint:errcheck // test server
}

func (m *MockReceiver) waitAccepted(t *testing.T) {
	t.Helper()
	select {
	case <-m.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
}

// Frames splits everything received so far into outbound frames.
func (m *MockReceiver) Frames() [][]byte {
	m.mu.Lock()
	data := append([]byte{}, m.received...)
	m.mu.Unlock()

	var frames [][]byte
	for {
		end := bytes.IndexByte(data, FrameEnd)
		if end < 0 {
			return frames
		}
		frames = append(frames, data[:end+1])
		data = data[end+1:]
	}
}

// WaitFrames blocks until at least n frames were received.
func (m *MockReceiver) WaitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	var frames [][]byte
	waitFor(t, func() bool {
		frames = m.Frames()
		return len(frames) >= n
	}, "receiver to get %d frames", n)
	return frames
}

// Close stops the mock.
func (m *MockReceiver) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close() //nolint:errcheck // test server
	}
	m.mu.Unlock()
	m.listener.Close() //nolint:errcheck // test server
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}
