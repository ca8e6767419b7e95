package jblav

import "fmt"

// maxPayloadLen is the largest payload the single length byte can describe.
const maxPayloadLen = 255

// EncodeCommand builds an outbound frame: 0x23 <opcode> <len> <payload...> 0x0D.
//
// Only structural checks are made here. Semantic ranges (volume, EQ trims,
// table ids) are validated by the typed builders below before they call it.
//
// Parameters:
//   - opcode: Command opcode (0-255)
//   - payload: Payload values, each 0-255, at most 255 of them
//
// Returns:
//   - []byte: Encoded frame
//   - error: ErrInvalidCommand if any value does not fit a byte
func EncodeCommand(opcode int, payload ...int) ([]byte, error) {
	if opcode < 0 || opcode > 0xFF {
		return nil, fmt.Errorf("%w: opcode %d out of byte range", ErrInvalidCommand, opcode)
	}
	if len(payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalidCommand, len(payload), maxPayloadLen)
	}

	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, CommandStart, byte(opcode), byte(len(payload)))
	for i, v := range payload {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%w: payload[%d]=%d out of byte range", ErrInvalidCommand, i, v)
		}
		frame = append(frame, byte(v))
	}
	return append(frame, FrameEnd), nil
}

// encode is EncodeCommand for values that are bytes already and cannot fail.
func encode(op Opcode, payload ...byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, CommandStart, byte(op), byte(len(payload)))
	frame = append(frame, payload...)
	return append(frame, FrameEnd)
}

// QueryCommand asks the receiver to report the current value for op.
func QueryCommand(op Opcode) []byte {
	return encode(op, RequestData)
}

// SwitchCommand sets an on/off function such as power, mute or room EQ.
func SwitchCommand(op Opcode, on bool) []byte {
	if on {
		return encode(op, valueOn)
	}
	return encode(op, valueOff)
}

// InitCommand starts the IP control session. The reply carries the model id.
func InitCommand() []byte {
	return encode(OpInitialization, RequestData)
}

// HeartbeatCommand keeps an idle connection alive.
func HeartbeatCommand() []byte {
	return encode(OpHeartbeat)
}

// RebootCommand restarts the receiver.
func RebootCommand() []byte {
	return encode(OpReboot)
}

// FactoryResetCommand restores factory settings.
func FactoryResetCommand() []byte {
	return encode(OpFactoryReset)
}

// ClampVolume limits v to the receiver's 0-99 volume span.
func ClampVolume(v int) int {
	if v < MinVolume {
		return MinVolume
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}

// SetVolumeCommand sets the main zone volume. Values are clamped to 0-99.
func SetVolumeCommand(v int) []byte {
	return encode(OpVolume, byte(ClampVolume(v)))
}

// SetPartyVolumeCommand sets the party zone volume. Values are clamped to 0-99.
func SetPartyVolumeCommand(v int) []byte {
	return encode(OpPartyVolume, byte(ClampVolume(v)))
}

// SetTrebleCommand sets the treble trim in dB (-6 to +6).
func SetTrebleCommand(db int) ([]byte, error) {
	return eqCommand(OpTrebleEQ, db)
}

// SetBassCommand sets the bass trim in dB (-6 to +6).
func SetBassCommand(db int) ([]byte, error) {
	return eqCommand(OpBassEQ, db)
}

// eqCommand encodes a trim as a two's-complement byte.
func eqCommand(op Opcode, db int) ([]byte, error) {
	if db < MinEQ || db > MaxEQ {
		return nil, fmt.Errorf("%w: %s %d dB not in %d..%d", ErrOutOfRange, op, db, MinEQ, MaxEQ)
	}
	return encode(op, byte(int8(db))), nil
}

// SetDisplayDimCommand sets front panel brightness (0=Off, 1=Dim, 2=Mid, 3=Bright).
func SetDisplayDimCommand(level int) ([]byte, error) {
	if level < MinDisplayDim || level > MaxDisplayDim {
		return nil, fmt.Errorf("%w: display level %d not in %d..%d", ErrOutOfRange, level, MinDisplayDim, MaxDisplayDim)
	}
	return encode(OpDisplayDim, byte(level)), nil
}

// SelectSourceCommand switches the input source.
func SelectSourceCommand(id int) ([]byte, error) {
	if id < 0 || id > 0xFF {
		return nil, fmt.Errorf("%w: source id %d", ErrInvalidCommand, id)
	}
	if _, ok := SourceNames[byte(id)]; !ok {
		return nil, fmt.Errorf("%w: unknown source id 0x%02X", ErrInvalidCommand, id)
	}
	return encode(OpInputSource, byte(id)), nil
}

// SelectSurroundCommand switches the surround decoding mode.
func SelectSurroundCommand(id int) ([]byte, error) {
	if id < 0 || id > 0xFF {
		return nil, fmt.Errorf("%w: surround mode id %d", ErrInvalidCommand, id)
	}
	if _, ok := SurroundModeNames[byte(id)]; !ok {
		return nil, fmt.Errorf("%w: unknown surround mode id 0x%02X", ErrInvalidCommand, id)
	}
	return encode(OpSurroundMode, byte(id)), nil
}

// IRCommand simulates a remote control key. The 24-bit code is sent big-endian.
func IRCommand(code int) ([]byte, error) {
	if code < 0 || code > MaxIRCode {
		return nil, fmt.Errorf("%w: IR code 0x%X exceeds 24 bits", ErrInvalidCommand, code)
	}
	return encode(OpIRSimulate, byte(code>>16), byte(code>>8), byte(code)), nil
}

// VersionQueryCommand asks for the firmware version of one component.
func VersionQueryCommand(vt VersionType) ([]byte, error) {
	if _, ok := versionTypeNames[vt]; !ok {
		return nil, fmt.Errorf("%w: version type 0x%02X", ErrInvalidCommand, byte(vt))
	}
	return encode(OpSoftwareVer, byte(vt)), nil
}

// handshakeQueries is the battery issued after initialization, in send order.
var handshakeQueries = []Opcode{
	OpPower,
	OpVolume,
	OpMute,
	OpInputSource,
	OpSurroundMode,
}
