package jblav

import (
	"sort"
	"sync"
	"time"
)

// Attribute names a field of the receiver state.
type Attribute string

// Attributes decoded from status frames. Each maps to exactly one opcode,
// except AttrConnection which follows the session lifecycle.
const (
	AttrConnection     Attribute = "connection"
	AttrModel          Attribute = "model"
	AttrPower          Attribute = "power"
	AttrVolume         Attribute = "volume"
	AttrMuted          Attribute = "muted"
	AttrSource         Attribute = "source"
	AttrSurroundMode   Attribute = "surround_mode"
	AttrDisplayDim     Attribute = "display_dim"
	AttrPartyMode      Attribute = "party_mode"
	AttrPartyVolume    Attribute = "party_volume"
	AttrTrebleEQ       Attribute = "treble_eq"
	AttrBassEQ         Attribute = "bass_eq"
	AttrDialogEnhanced Attribute = "dialog_enhanced"
	AttrDolbyAudioMode Attribute = "dolby_audio_mode"
	AttrDRC            Attribute = "drc"
	AttrStreamingState Attribute = "streaming_state"
	AttrSoftwareVer    Attribute = "software_version"
)

// Connection attribute values.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

type valueKind int

const (
	kindInt valueKind = iota
	kindBool
	kindSigned
	kindASCII
)

type decodeHook struct {
	attr Attribute
	kind valueKind
}

// decodeHooks lists the opcodes that update the snapshot. Anything else is
// parsed but left unmapped. Room EQ (0x0D) has no entry: its opcode is the
// frame terminator, so a reply is always cut short before it can decode.
var decodeHooks = map[Opcode]decodeHook{
	OpInitialization: {AttrModel, kindInt},
	OpPower:          {AttrPower, kindBool},
	OpVolume:         {AttrVolume, kindInt},
	OpMute:           {AttrMuted, kindBool},
	OpInputSource:    {AttrSource, kindInt},
	OpSurroundMode:   {AttrSurroundMode, kindInt},
	OpDisplayDim:     {AttrDisplayDim, kindInt},
	OpPartyMode:      {AttrPartyMode, kindBool},
	OpPartyVolume:    {AttrPartyVolume, kindInt},
	OpTrebleEQ:       {AttrTrebleEQ, kindSigned},
	OpBassEQ:         {AttrBassEQ, kindSigned},
	OpDialogEnhanced: {AttrDialogEnhanced, kindBool},
	OpDolbyAudioMode: {AttrDolbyAudioMode, kindBool},
	OpDRC:            {AttrDRC, kindBool},
	OpStreamingState: {AttrStreamingState, kindInt},
	OpSoftwareVer:    {AttrSoftwareVer, kindASCII},
}

// decodeValue turns a payload into the attribute value. ok is false when the
// payload carries nothing usable.
func decodeValue(kind valueKind, payload []byte) (any, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	switch kind {
	case kindBool:
		return payload[0] == valueOn, true
	case kindSigned:
		return int(int8(payload[0])), true
	case kindASCII:
		s := printableASCII(payload)
		if s == "" {
			return nil, false
		}
		return s, true
	default:
		return int(payload[0]), true
	}
}

// Change is one attribute transition.
type Change struct {
	Attribute Attribute `json:"attribute"`
	Value     any       `json:"value"`
	Previous  any       `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a point-in-time copy of the receiver attributes. An attribute
// that has not been reported yet is absent.
type State map[Attribute]any

// Int returns an integer attribute.
func (s State) Int(attr Attribute) (int, bool) {
	v, ok := s[attr].(int)
	return v, ok
}

// Bool returns a boolean attribute. Unknown reads as false.
func (s State) Bool(attr Attribute) bool {
	v, _ := s[attr].(bool)
	return v
}

// Text returns a string attribute.
func (s State) Text(attr Attribute) string {
	v, _ := s[attr].(string)
	return v
}

// Connected reports whether a session is live.
func (s State) Connected() bool {
	return s.Text(AttrConnection) == ConnectionConnected
}

// Named returns the snapshot with model, source and surround ids resolved to
// display names, for publishing.
func (s State) Named() map[string]any {
	out := make(map[string]any, len(s)+3)
	for k, v := range s {
		out[string(k)] = v
	}
	if id, ok := s.Int(AttrModel); ok {
		out["model_name"] = ModelName(byte(id))
	}
	if id, ok := s.Int(AttrSource); ok {
		out["source_name"] = SourceName(byte(id))
	}
	if id, ok := s.Int(AttrSurroundMode); ok {
		out["surround_mode_name"] = SurroundModeName(byte(id))
	}
	return out
}

// Attributes returns the attribute names present, sorted.
func (s State) Attributes() []Attribute {
	attrs := make([]Attribute, 0, len(s))
	for k := range s {
		attrs = append(attrs, k)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	return attrs
}

// Store holds the last-known receiver attributes.
//
// Apply is the only path from frames into the snapshot. SetConnection and
// Reset are driven by the session lifecycle.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	attrs State
	now   func() time.Time
}

// NewStore creates a store holding the disconnected defaults.
func NewStore() *Store {
	s := &Store{now: time.Now}
	s.attrs = defaultState()
	return s
}

func defaultState() State {
	return State{
		AttrConnection: ConnectionDisconnected,
		AttrPower:      false,
		AttrMuted:      false,
	}
}

// Apply reconciles one decoded frame into the snapshot.
//
// Returns:
//   - []Change: Attributes whose value actually changed (empty if none)
//   - error: *DeviceError when the frame carries a non-success result code
func (s *Store) Apply(resp Response) ([]Change, error) {
	if err := resp.Err(); err != nil {
		return nil, err
	}

	hook, ok := decodeHooks[resp.Opcode]
	if !ok {
		return nil, nil
	}
	value, ok := decodeValue(hook.kind, resp.Payload)
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if change, changed := s.setLocked(hook.attr, value); changed {
		return []Change{change}, nil
	}
	return nil, nil
}

// setLocked stores value and reports whether it differs from the previous one.
// Callers must hold s.mu.
func (s *Store) setLocked(attr Attribute, value any) (Change, bool) {
	prev, had := s.attrs[attr]
	if had && prev == value {
		return Change{}, false
	}
	s.attrs[attr] = value
	return Change{Attribute: attr, Value: value, Previous: prev, Timestamp: s.now()}, true
}

// SetConnection records the session lifecycle.
func (s *Store) SetConnection(connected bool) (Change, bool) {
	value := ConnectionDisconnected
	if connected {
		value = ConnectionConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(AttrConnection, value)
}

// Reset returns every attribute to unknown and marks the receiver
// disconnected. The connection transition comes first, followed by one
// change per attribute that was cleared or fell back to its default, in
// attribute order. A cleared attribute is reported with a nil Value.
func (s *Store) Reset() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.attrs
	s.attrs = defaultState()
	now := s.now()

	var changes []Change
	if p := prev[AttrConnection]; p != ConnectionDisconnected {
		changes = append(changes, Change{
			Attribute: AttrConnection,
			Value:     ConnectionDisconnected,
			Previous:  p,
			Timestamp: now,
		})
	}

	for _, attr := range prev.Attributes() {
		if attr == AttrConnection {
			continue
		}
		old := prev[attr]
		value, kept := s.attrs[attr]
		if kept && value == old {
			continue
		}
		changes = append(changes, Change{Attribute: attr, Value: value, Previous: old, Timestamp: now})
	}
	return changes
}

// Get returns one attribute.
func (s *Store) Get(attr Attribute) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[attr]
	return v, ok
}

// Snapshot returns a copy of all attributes.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(State, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}
