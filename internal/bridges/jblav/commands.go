package jblav

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command names accepted by Execute. MQTT and the HTTP API share this vocabulary.
const (
	CmdOn             = "on"
	CmdOff            = "off"
	CmdToggle         = "toggle"
	CmdSetVolume      = "set_volume"
	CmdVolumeUp       = "volume_up"
	CmdVolumeDown     = "volume_down"
	CmdMute           = "mute"
	CmdUnmute         = "unmute"
	CmdMuteToggle     = "mute_toggle"
	CmdSelectSource   = "select_source"
	CmdSelectSurround = "select_surround"
	CmdDisplayDim     = "display_dim"
	CmdIR             = "ir"
	CmdIRKey          = "ir_key"
	CmdPartyOn        = "party_on"
	CmdPartyOff       = "party_off"
	CmdPartyVolume    = "party_volume"
	CmdTreble         = "treble"
	CmdBass           = "bass"
	CmdRoomEQ         = "room_eq"
	CmdDialogEnhanced = "dialog_enhanced"
	CmdDolbyAudio     = "dolby_audio"
	CmdDRC            = "drc"
	CmdQuery          = "query"
	CmdQueryStreaming = "query_streaming"
	CmdQueryVersion   = "query_version"
	CmdReboot         = "reboot"
	CmdFactoryReset   = "factory_reset"
)

// Command is a named control request with loosely typed parameters, as it
// arrives from JSON.
type Command struct {
	Name       string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Execute runs a named command against the receiver.
//
// Returns:
//   - error: ErrInvalidCommand or ErrOutOfRange for bad input, ErrNotConnected
//     or ErrSendFailed from the transport
func (r *Receiver) Execute(ctx context.Context, cmd Command) error {
	p := params(cmd.Parameters)

	switch strings.ToLower(cmd.Name) {
	case CmdOn:
		return r.PowerOn()
	case CmdOff:
		return r.PowerOff()
	case CmdToggle:
		return r.PowerToggle()

	case CmdSetVolume:
		v, err := p.intParam("volume")
		if err != nil {
			return err
		}
		return r.SetVolume(v)
	case CmdVolumeUp:
		return r.VolumeUp()
	case CmdVolumeDown:
		return r.VolumeDown()

	case CmdMute:
		return r.MuteOn()
	case CmdUnmute:
		return r.MuteOff()
	case CmdMuteToggle:
		return r.MuteToggle()

	case CmdSelectSource:
		id, err := p.tableID("source", ResolveSource)
		if err != nil {
			return err
		}
		return r.SelectSource(id)
	case CmdSelectSurround:
		id, err := p.tableID("mode", ResolveSurroundMode)
		if err != nil {
			return err
		}
		return r.SelectSurroundMode(id)

	case CmdDisplayDim:
		level, err := p.intParam("level")
		if err != nil {
			return err
		}
		return r.SetDisplayDim(level)

	case CmdIR:
		code, err := p.intParam("code")
		if err != nil {
			return err
		}
		return r.SendIR(code)
	case CmdIRKey:
		key, err := p.stringParam("key")
		if err != nil {
			return err
		}
		return r.SendIRKey(key)

	case CmdPartyOn:
		return r.PartyMode(true)
	case CmdPartyOff:
		return r.PartyMode(false)
	case CmdPartyVolume:
		v, err := p.intParam("volume")
		if err != nil {
			return err
		}
		return r.SetPartyVolume(v)

	case CmdTreble:
		db, err := p.intParam("db")
		if err != nil {
			return err
		}
		return r.SetTreble(db)
	case CmdBass:
		db, err := p.intParam("db")
		if err != nil {
			return err
		}
		return r.SetBass(db)

	case CmdRoomEQ:
		on, err := p.boolParam("on")
		if err != nil {
			return err
		}
		return r.RoomEQ(on)
	case CmdDialogEnhanced:
		on, err := p.boolParam("on")
		if err != nil {
			return err
		}
		return r.DialogEnhanced(on)
	case CmdDolbyAudio:
		on, err := p.boolParam("on")
		if err != nil {
			return err
		}
		return r.DolbyAudioMode(on)
	case CmdDRC:
		on, err := p.boolParam("on")
		if err != nil {
			return err
		}
		return r.DRC(on)

	case CmdQuery:
		return r.QueryAll(ctx)
	case CmdQueryStreaming:
		return r.QueryStreamingState()
	case CmdQueryVersion:
		name, _ := p.optionalString("type")
		vt, err := ParseVersionType(name)
		if err != nil {
			return err
		}
		return r.QuerySoftwareVersion(vt)

	case CmdReboot:
		return r.Reboot()
	case CmdFactoryReset:
		return r.FactoryReset()

	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Name)
	}
}

// params reads typed values out of a JSON-decoded parameter map.
type params map[string]any

func (p params) intParam(key string) (int, error) {
	raw, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %q", ErrInvalidCommand, key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: parameter %q must be a whole number", ErrInvalidCommand, key)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %q: %w", ErrInvalidCommand, key, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: parameter %q: %w", ErrInvalidCommand, key, err)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: parameter %q has type %T", ErrInvalidCommand, key, raw)
	}
}

func (p params) boolParam(key string) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return false, fmt.Errorf("%w: missing parameter %q", ErrInvalidCommand, key)
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: parameter %q: %w", ErrInvalidCommand, key, err)
		}
		return b, nil
	default:
		n, err := p.intParam(key)
		if err != nil {
			return false, err
		}
		return n != 0, nil
	}
}

func (p params) stringParam(key string) (string, error) {
	s, ok := p.optionalString(key)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: missing parameter %q", ErrInvalidCommand, key)
	}
	return s, nil
}

func (p params) optionalString(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// tableID accepts either a numeric id or a display name.
func (p params) tableID(key string, resolve func(string) (byte, error)) (int, error) {
	if s, ok := p.optionalString(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32); err == nil {
			return int(n), nil
		}
		id, err := resolve(s)
		if err != nil {
			return 0, err
		}
		return int(id), nil
	}
	return p.intParam(key)
}
