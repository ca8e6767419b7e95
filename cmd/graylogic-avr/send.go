package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/mqtt"
)

type sendFlags struct {
	params  []string
	timeout time.Duration
}

func newSendCmd(configPath *string) *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Publish a command over MQTT and wait for its acknowledgment",
		Long: `Publish a command to the running bridge on the command topic and print
the acknowledgment. The broker and receiver id come from config.yaml.`,
		Example: `  graylogic-avr send on
  graylogic-avr send set_volume --param volume=40
  graylogic-avr send select_source --param source="HDMI 2"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(flags.params)
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runSend(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], params, flags.timeout)
		},
	}

	cmd.Flags().StringArrayVarP(&flags.params, "param", "p", nil, "Command parameter as key=value (repeatable)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "How long to wait for the acknowledgment")

	return cmd
}

// parseParams turns key=value pairs into command parameters. Integers and
// booleans are typed so the bridge sees what a JSON client would send.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", pair)
		}
		switch {
		case value == "true" || value == "false":
			params[key] = value == "true"
		default:
			if n, err := strconv.Atoi(value); err == nil {
				params[key] = n
			} else {
				params[key] = value
			}
		}
	}
	return params, nil
}

// runSend publishes one command and waits for the matching ack.
func runSend(ctx context.Context, out io.Writer, cfg *config.Config, command string, params map[string]any, timeout time.Duration) error {
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = cfg.MQTT.Broker.ClientID + "-cli-" + uuid.NewString()[:8]

	client, err := mqtt.Connect(mqttCfg, nil)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer client.Close() //nolint:errcheck // CLI exit

	msg := jblav.CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   cfg.Receiver.ID,
		Command:    command,
		Parameters: params,
		Source:     "cli",
	}

	acks := make(chan jblav.AckMessage, 1)
	ackTopic := jblav.AckTopic(cfg.Receiver.ID)
	if err := client.Subscribe(ackTopic, 1, func(_ string, payload []byte) error {
		var ack jblav.AckMessage
		if err := json.Unmarshal(payload, &ack); err != nil {
			return nil //nolint:nilerr // Not ours; ignore
		}
		if ack.CommandID == msg.ID {
			select {
			case acks <- ack:
			default:
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("subscribing to %s: %w", ackTopic, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}
	if err := client.Publish(jblav.CommandTopic(cfg.Receiver.ID), payload, 1, false); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-acks:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ack); err != nil {
			return err
		}
		if ack.Error != nil {
			return fmt.Errorf("command %s failed: %s (%s)", command, ack.Error.Message, ack.Error.Code)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no acknowledgment within %s (is the bridge running?)", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
