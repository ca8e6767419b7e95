package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
)

// writeTestConfig writes a minimal valid config pointing at a temp database.
func writeTestConfig(t *testing.T, receiverHost string) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "avr.db")
	configPath = filepath.Join(dir, "config.yaml")

	content := `
site:
  id: test-site

receiver:
  id: avr-test
  host: "` + receiverHost + `"
  port: 50000

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "avr-test"
  qos: 1

api:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath, dbPath
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out, "graylogic-avr "+version) {
		t.Errorf("output = %q", out)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_MissingReceiverHost(t *testing.T) {
	configPath, _ := writeTestConfig(t, "")

	err := run(context.Background(), configPath)
	if err == nil {
		t.Fatal("run() should fail without a receiver host")
	}
	if !strings.Contains(err.Error(), "receiver.host") {
		t.Errorf("error = %v, want receiver.host validation failure", err)
	}
}

func TestRun_MQTTUnavailable(t *testing.T) {
	configPath, dbPath := writeTestConfig(t, "192.0.2.10")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	if err == nil || !strings.Contains(err.Error(), "MQTT") {
		t.Fatalf("run() error = %v, want MQTT connection failure", err)
	}
	// Migrations ran before the broker was tried.
	if _, statErr := os.Stat(dbPath); statErr != nil {
		t.Errorf("database not created: %v", statErr)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("GRAYLOGIC_CONFIG", "/etc/graylogic/avr.yaml")
	if got := getConfigPath(); got != "/etc/graylogic/avr.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestMigrateCmd(t *testing.T) {
	configPath, _ := writeTestConfig(t, "192.0.2.10")

	out, err := execute(t, "migrate", "status", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if strings.Count(out, "pending") != 2 {
		t.Errorf("status before migrating:\n%s", out)
	}

	out, err = execute(t, "migrate", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if !strings.Contains(out, "applied 2 migration(s)") {
		t.Errorf("up output = %q", out)
	}

	out, err = execute(t, "migrate", "status", "--config", configPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "applied") != 2 || strings.Contains(out, "pending") {
		t.Errorf("status after migrating:\n%s", out)
	}

	out, err = execute(t, "migrate", "down", "--config", configPath)
	if err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if !strings.Contains(out, "rolled back 20261019_120100") {
		t.Errorf("down output = %q", out)
	}

	if _, err := execute(t, "migrate", "sideways", "--config", configPath); err == nil {
		t.Error("unknown action should fail")
	}
}

func TestRunMigrate_DownOnEmpty(t *testing.T) {
	var out bytes.Buffer
	err := runMigrate(context.Background(), &out, config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "empty.db"),
		BusyTimeout: 5,
	}, "down")
	if err != nil {
		t.Fatalf("runMigrate(down) error: %v", err)
	}
	if !strings.Contains(out.String(), "nothing to roll back") {
		t.Errorf("output = %q", out.String())
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"none", nil, nil, false},
		{"int", []string{"volume=40"}, map[string]any{"volume": 40}, false},
		{"negative int", []string{"db=-6"}, map[string]any{"db": -6}, false},
		{"bool", []string{"on=true"}, map[string]any{"on": true}, false},
		{"string with equals", []string{"source=HDMI 2", "key=a=b"}, map[string]any{"source": "HDMI 2", "key": "a=b"}, false},
		{"missing value separator", []string{"volume"}, nil, true},
		{"empty key", []string{"=3"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseParams() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestSendCmd_RequiresCommand(t *testing.T) {
	if _, err := execute(t, "send"); err == nil {
		t.Error("send without a command should fail")
	}
	if _, err := execute(t, "send", "on", "--param", "broken"); err == nil {
		t.Error("send with a malformed --param should fail")
	}
}

// fakeReceiver accepts one connection, sends two status frames and then
// drains whatever the probe writes.
func fakeReceiver(t *testing.T) (host string, port int, received *atomic.Int64) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() }) //nolint:errcheck // Test cleanup

	received = &atomic.Int64{}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{ //nolint:errcheck // Test fixture
			0x02, 0x23, byte(jblav.OpPower), jblav.ResultSuccess, 0x01, 0x01, jblav.FrameEnd,
			0x02, 0x23, byte(jblav.OpVolume), jblav.ResultSuccess, 0x01, 0x23, jblav.FrameEnd,
		})
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			received.Add(int64(n))
		}
	}()

	addr := listener.Addr().(*net.TCPAddr) //nolint:errcheck // Always TCP
	return addr.IP.String(), addr.Port, received
}

func TestProbe(t *testing.T) {
	host, port, received := fakeReceiver(t)

	out, err := execute(t, "probe", "--host", host, "--port", strconv.Itoa(port), "--wait", "1500ms")
	if err != nil {
		t.Fatalf("probe error: %v", err)
	}

	var result probeResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if result.Session != "ready" {
		t.Errorf("session = %q, want ready", result.Session)
	}
	if result.Frames != 2 {
		t.Errorf("frames_received = %d, want 2", result.Frames)
	}
	if result.State["power"] != true || result.State["volume"] != float64(0x23) {
		t.Errorf("state = %v", result.State)
	}
	if received.Load() == 0 {
		t.Error("fake receiver saw no handshake bytes")
	}
}

func TestProbe_Unreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := listener.Addr().(*net.TCPAddr).Port //nolint:errcheck // Always TCP
	listener.Close()

	if _, err := execute(t, "probe", "--host", "127.0.0.1", "--port", strconv.Itoa(port)); err == nil {
		t.Error("probe of a closed port should fail")
	}
}

type recordingCounters struct {
	calls atomic.Int64
	last  atomic.Value
}

func (r *recordingCounters) WriteSessionCounters(receiverID string, counters map[string]uint64) {
	r.last.Store(counters)
	r.calls.Add(1)
}

type statsOnly struct {
	jblav.Controller
	stats jblav.SessionStats
}

func (s statsOnly) Stats() jblav.SessionStats { return s.stats }

func TestReportSessionCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingCounters{}
	done := make(chan struct{})
	go func() {
		reportSessionCounters(ctx, "avr-test", statsOnly{stats: jblav.SessionStats{FramesRx: 9, Heartbeats: 1}}, w, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if w.calls.Load() < 2 {
		t.Fatalf("calls = %d, want at least 2", w.calls.Load())
	}
	last, _ := w.last.Load().(map[string]uint64)
	if last["frames_rx"] != 9 || last["heartbeats"] != 1 || len(last) != 6 {
		t.Errorf("counters = %v", last)
	}
}

func TestReceiverConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Receiver.Host = "avr.local"
	cfg.Receiver.IRCodes = map[string]int{"menu": 0x1234}

	rc := receiverConfig(cfg)
	if rc.Session.Host != "avr.local" || rc.Session.Port != 50000 {
		t.Errorf("session = %+v", rc.Session)
	}
	if rc.Session.IdleTimeout != 120*time.Second || rc.Session.SettleDelay != 200*time.Millisecond {
		t.Errorf("timings = %+v", rc.Session)
	}
	if rc.IRCodes["menu"] != 0x1234 {
		t.Errorf("IRCodes = %v", rc.IRCodes)
	}
}
