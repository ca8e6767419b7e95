package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
)

type probeFlags struct {
	host string
	port int
	wait time.Duration
}

func newProbeCmd(configPath *string) *cobra.Command {
	flags := &probeFlags{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to the receiver once and print its state",
		Long: `Open a single session to the receiver, run the handshake, collect
replies for --wait and print the resulting state and session counters as JSON.
The receiver address comes from --host/--port, falling back to config.yaml.`,
		Example: `  graylogic-avr probe --host 192.168.1.40
  graylogic-avr probe --wait 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.host == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return fmt.Errorf("no --host given and config unusable: %w", err)
				}
				flags.host = cfg.Receiver.Host
				if flags.port == 0 {
					flags.port = cfg.Receiver.Port
				}
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "Receiver address (default from config)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Receiver control port (default 50000)")
	cmd.Flags().DurationVar(&flags.wait, "wait", 3*time.Second, "How long to collect replies after connecting")

	return cmd
}

// probeResult is the JSON printed by probe.
type probeResult struct {
	Address string         `json:"address"`
	Session string         `json:"session"`
	Frames  uint64         `json:"frames_received"`
	Errors  uint64         `json:"device_errors"`
	State   map[string]any `json:"state"`
}

// runProbe connects, lets the handshake replies arrive for flags.wait and
// prints the state as it stood just before the session was closed.
func runProbe(ctx context.Context, out io.Writer, flags *probeFlags) error {
	log := logging.New(config.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}, version)

	sessionCfg := jblav.SessionConfig{Host: flags.host, Port: flags.port}
	receiver := jblav.NewReceiver(jblav.ReceiverConfig{ID: "probe", Session: sessionCfg}, nil, log)

	connected := make(chan struct{})
	var once sync.Once
	unsubscribe := receiver.Subscribe(func(c jblav.Change) {
		if c.Attribute == jblav.AttrConnection && c.Value == jblav.ConnectionConnected {
			once.Do(func() { close(connected) })
		}
	})
	defer unsubscribe()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- receiver.RunSession(sessionCtx) }()

	select {
	case err := <-done:
		if err == nil {
			err = errors.New("session closed before connecting")
		}
		return fmt.Errorf("probing %s: %w", sessionCfg.Address(), err)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case <-connected:
	}

	timer := time.NewTimer(flags.wait)
	defer timer.Stop()
	ended := false
	select {
	case err := <-done:
		ended = true
		if err != nil {
			return fmt.Errorf("probing %s: %w", sessionCfg.Address(), err)
		}
	case <-ctx.Done():
	case <-timer.C:
	}

	stats := receiver.Stats()
	result := probeResult{
		Address: sessionCfg.Address(),
		Session: stats.State.String(),
		Frames:  stats.FramesRx,
		Errors:  stats.DeviceErrors,
		State:   receiver.State().Named(),
	}
	cancel()
	if !ended {
		<-done
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
