package jblav

import (
	"fmt"
	"sort"
	"strings"
)

// Framing bytes.
const (
	// CommandStart opens every outbound frame.
	CommandStart byte = 0x23

	// ResponseStart is the first byte of the two-byte inbound marker (0x02 0x23).
	ResponseStart byte = 0x02

	// FrameEnd terminates every frame in both directions.
	FrameEnd byte = 0x0D

	// RequestData is the payload that turns a command into a status query.
	RequestData byte = 0xF0

	// ResultSuccess is the result code of a status update.
	ResultSuccess byte = 0x00

	// valueOn and valueOff encode boolean switches.
	valueOn  byte = 0x01
	valueOff byte = 0x00
)

// DefaultPort is the receiver's IP control port.
const DefaultPort = 50000

// Opcode identifies a command and the status frames that report it.
type Opcode byte

// Known opcodes.
const (
	OpPower          Opcode = 0x00
	OpDisplayDim     Opcode = 0x01
	OpSoftwareVer    Opcode = 0x02
	OpIRSimulate     Opcode = 0x04
	OpInputSource    Opcode = 0x05
	OpVolume         Opcode = 0x06
	OpMute           Opcode = 0x07
	OpSurroundMode   Opcode = 0x08
	OpPartyMode      Opcode = 0x09
	OpPartyVolume    Opcode = 0x0A
	OpTrebleEQ       Opcode = 0x0B
	OpBassEQ         Opcode = 0x0C
	OpRoomEQ         Opcode = 0x0D
	OpDialogEnhanced Opcode = 0x0E
	OpDolbyAudioMode Opcode = 0x0F
	OpDRC            Opcode = 0x10
	OpStreamingState Opcode = 0x11
	OpInitialization Opcode = 0x50
	OpHeartbeat      Opcode = 0x51
	OpReboot         Opcode = 0x52
	OpFactoryReset   Opcode = 0x53
)

var opcodeNames = map[Opcode]string{
	OpPower:          "power",
	OpDisplayDim:     "display_dim",
	OpSoftwareVer:    "software_version",
	OpIRSimulate:     "ir_simulate",
	OpInputSource:    "input_source",
	OpVolume:         "volume",
	OpMute:           "mute",
	OpSurroundMode:   "surround_mode",
	OpPartyMode:      "party_mode",
	OpPartyVolume:    "party_volume",
	OpTrebleEQ:       "treble_eq",
	OpBassEQ:         "bass_eq",
	OpRoomEQ:         "room_eq",
	OpDialogEnhanced: "dialog_enhanced",
	OpDolbyAudioMode: "dolby_audio_mode",
	OpDRC:            "drc",
	OpStreamingState: "streaming_state",
	OpInitialization: "initialization",
	OpHeartbeat:      "heartbeat",
	OpReboot:         "reboot",
	OpFactoryReset:   "factory_reset",
}

// String returns the opcode name, or its hex value when unknown.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", byte(o))
}

// Known reports whether the opcode is part of the documented set.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Value ranges.
const (
	MinVolume = 0
	MaxVolume = 99

	MinEQ = -6
	MaxEQ = 6

	MinDisplayDim = 0
	MaxDisplayDim = 3

	// MaxIRCode is the largest code that fits the 3-byte IR payload.
	MaxIRCode = 0xFFFFFF
)

// Display brightness levels.
const (
	DisplayOff    = 0
	DisplayDim    = 1
	DisplayMid    = 2
	DisplayBright = 3
)

// VersionType selects which firmware component a version query reports.
type VersionType byte

// Firmware components.
const (
	VersionIPControl VersionType = 0xF0
	VersionHost      VersionType = 0xF1
	VersionDSP       VersionType = 0xF2
	VersionOSD       VersionType = 0xF3
	VersionNetwork   VersionType = 0xF4
)

var versionTypeNames = map[VersionType]string{
	VersionIPControl: "ip_control",
	VersionHost:      "host",
	VersionDSP:       "dsp",
	VersionOSD:       "osd",
	VersionNetwork:   "network",
}

func (v VersionType) String() string {
	if name, ok := versionTypeNames[v]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", byte(v))
}

// ParseVersionType resolves a component name such as "dsp". An empty name
// selects the IP control version.
func ParseVersionType(name string) (VersionType, error) {
	if name == "" {
		return VersionIPControl, nil
	}
	for v, n := range versionTypeNames {
		if strings.EqualFold(n, name) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown version type %q", ErrInvalidCommand, name)
}

// ModelNames maps the initialization reply to a model designation.
var ModelNames = map[byte]string{
	0x01: "MA510",
	0x02: "MA710",
	0x03: "MA7100HP",
	0x04: "MA9100HP",
}

// SourceNames maps input source ids to display names.
var SourceNames = map[byte]string{
	0x01: "TV (ARC)",
	0x02: "HDMI 1",
	0x03: "HDMI 2",
	0x04: "HDMI 3",
	0x05: "HDMI 4",
	0x06: "HDMI 5",
	0x07: "HDMI 6",
	0x08: "Coaxial",
	0x09: "Optical",
	0x0A: "Analog 1",
	0x0B: "Analog 2",
	0x0C: "Phono",
	0x0D: "Bluetooth",
	0x0E: "Network",
}

// SurroundModeNames maps surround mode ids to display names.
var SurroundModeNames = map[byte]string{
	0x01: "Dolby Surround",
	0x02: "DTS Neural:X",
	0x03: "Stereo 2.0",
	0x04: "Stereo 2.1",
	0x05: "All Stereo",
	0x06: "Native",
	0x07: "Dolby Pro Logic II",
}

// ModelName returns the model designation for id.
func ModelName(id byte) string {
	return lookupName(ModelNames, id)
}

// SourceName returns the display name of an input source.
func SourceName(id byte) string {
	return lookupName(SourceNames, id)
}

// SurroundModeName returns the display name of a surround mode.
func SurroundModeName(id byte) string {
	return lookupName(SurroundModeNames, id)
}

func lookupName(table map[byte]string, id byte) string {
	if name, ok := table[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", id)
}

// ResolveSource accepts a source display name (case-insensitive) and returns its id.
func ResolveSource(name string) (byte, error) {
	return resolveName(SourceNames, name, "source")
}

// ResolveSurroundMode accepts a surround mode name (case-insensitive) and returns its id.
func ResolveSurroundMode(name string) (byte, error) {
	return resolveName(SurroundModeNames, name, "surround mode")
}

func resolveName(table map[byte]string, name, what string) (byte, error) {
	for id, n := range table {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown %s %q", ErrInvalidCommand, what, name)
}

// SortedNames returns the table's names ordered by id, for listing options.
func SortedNames(table map[byte]string) []string {
	ids := make([]int, 0, len(table))
	for id := range table {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, table[byte(id)])
	}
	return names
}
