package jblav

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Controller is the command surface used by the MQTT bridge and the API.
// *Receiver implements it; tests substitute fakes.
type Controller interface {
	Execute(ctx context.Context, cmd Command) error
	State() State
	IsConnected() bool
	Stats() SessionStats
	Subscribe(h ChangeHandler) (unsubscribe func())
}

// Ensure Receiver implements Controller.
var _ Controller = (*Receiver)(nil)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// ID names the receiver in topics, history and logs.
	ID string

	// Session holds transport settings applied to every new session.
	Session SessionConfig

	// IRCodes maps key names ("up", "menu") to 24-bit IR codes for SendIRKey.
	IRCodes map[string]int
}

// Receiver is the long-lived handle on one physical receiver.
//
// The state store and notifier outlive individual connections. Each call to
// RunSession builds a fresh Session, so nothing from a failed connection is
// carried into the next one.
//
// Thread Safety: all methods are safe for concurrent use.
type Receiver struct {
	cfg      ReceiverConfig
	store    *Store
	notifier *Notifier
	metrics  *Metrics
	logger   Logger

	mu      sync.RWMutex
	session *Session
	last    SessionStats
}

// NewReceiver creates a receiver handle. metrics and logger may be nil.
func NewReceiver(cfg ReceiverConfig, metrics *Metrics, logger Logger) *Receiver {
	logger = orNop(logger)
	irCodes := make(map[string]int, len(cfg.IRCodes))
	for k, v := range cfg.IRCodes {
		irCodes[strings.ToLower(k)] = v
	}
	cfg.IRCodes = irCodes

	return &Receiver{
		cfg:      cfg,
		store:    NewStore(),
		notifier: NewNotifier(logger),
		metrics:  metrics,
		logger:   logger,
	}
}

// ID returns the configured receiver id.
func (r *Receiver) ID() string {
	return r.cfg.ID
}

// Subscribe registers a change handler. See Notifier.
func (r *Receiver) Subscribe(h ChangeHandler) (unsubscribe func()) {
	return r.notifier.Subscribe(h)
}

// State returns a copy of the current snapshot.
func (r *Receiver) State() State {
	return r.store.Snapshot()
}

// IsConnected reports whether a session is live.
func (r *Receiver) IsConnected() bool {
	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	return s != nil && s.IsConnected()
}

// Stats returns the counters of the current session, or of the last one if
// none is live.
func (r *Receiver) Stats() SessionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session != nil {
		return r.session.Stats()
	}
	return r.last
}

// RunSession connects, runs the handshake and read loop, and returns when
// the connection ends. It is the unit of work the Supervisor repeats.
//
// Returns:
//   - error: the connect or transport error that ended the cycle; nil or
//     ctx.Err() when stopped deliberately
func (r *Receiver) RunSession(ctx context.Context) error {
	s := NewSession(r.cfg.Session, r.store, r.notifier, r.metrics, r.logger)

	r.mu.Lock()
	r.session = s
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.session == s {
			r.last = s.Stats()
			r.session = nil
		}
		r.mu.Unlock()
	}()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Run(ctx)
}

// Close ends the current session, if any.
func (r *Receiver) Close() error {
	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// send writes a frame on the live session.
func (r *Receiver) send(frame []byte) error {
	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	if s == nil {
		r.metrics.commandFailed()
		return ErrNotConnected
	}
	return s.Send(frame)
}

// PowerOn turns the receiver on.
func (r *Receiver) PowerOn() error {
	r.logger.Info("turning on", "receiver", r.cfg.ID)
	return r.send(SwitchCommand(OpPower, true))
}

// PowerOff puts the receiver in standby.
func (r *Receiver) PowerOff() error {
	r.logger.Info("turning off", "receiver", r.cfg.ID)
	return r.send(SwitchCommand(OpPower, false))
}

// PowerToggle inverts the last reported power state.
func (r *Receiver) PowerToggle() error {
	if r.store.Snapshot().Bool(AttrPower) {
		return r.PowerOff()
	}
	return r.PowerOn()
}

// SetVolume sets the main volume, clamped to 0-99.
func (r *Receiver) SetVolume(v int) error {
	v = ClampVolume(v)
	r.logger.Info("setting volume", "receiver", r.cfg.ID, "volume", v)
	return r.send(SetVolumeCommand(v))
}

// VolumeUp raises the last reported volume by one step.
func (r *Receiver) VolumeUp() error {
	v, _ := r.store.Snapshot().Int(AttrVolume)
	return r.SetVolume(v + 1)
}

// VolumeDown lowers the last reported volume by one step.
func (r *Receiver) VolumeDown() error {
	v, _ := r.store.Snapshot().Int(AttrVolume)
	return r.SetVolume(v - 1)
}

// MuteOn mutes the audio.
func (r *Receiver) MuteOn() error {
	r.logger.Info("muting", "receiver", r.cfg.ID)
	return r.send(SwitchCommand(OpMute, true))
}

// MuteOff unmutes the audio.
func (r *Receiver) MuteOff() error {
	r.logger.Info("unmuting", "receiver", r.cfg.ID)
	return r.send(SwitchCommand(OpMute, false))
}

// MuteToggle inverts the last reported mute state.
func (r *Receiver) MuteToggle() error {
	if r.store.Snapshot().Bool(AttrMuted) {
		return r.MuteOff()
	}
	return r.MuteOn()
}

// SelectSource switches input. id must be in SourceNames.
func (r *Receiver) SelectSource(id int) error {
	frame, err := SelectSourceCommand(id)
	if err != nil {
		return err
	}
	r.logger.Info("selecting source", "receiver", r.cfg.ID, "source", SourceName(byte(id)))
	return r.send(frame)
}

// SelectSurroundMode switches surround decoding. id must be in SurroundModeNames.
func (r *Receiver) SelectSurroundMode(id int) error {
	frame, err := SelectSurroundCommand(id)
	if err != nil {
		return err
	}
	r.logger.Info("selecting surround mode", "receiver", r.cfg.ID, "mode", SurroundModeName(byte(id)))
	return r.send(frame)
}

// SetDisplayDim sets panel brightness (0-3).
func (r *Receiver) SetDisplayDim(level int) error {
	frame, err := SetDisplayDimCommand(level)
	if err != nil {
		return err
	}
	r.logger.Info("setting display brightness", "receiver", r.cfg.ID, "level", level)
	return r.send(frame)
}

// SendIR simulates a remote control key by raw code.
func (r *Receiver) SendIR(code int) error {
	frame, err := IRCommand(code)
	if err != nil {
		return err
	}
	r.logger.Info("sending IR command", "receiver", r.cfg.ID, "code", fmt.Sprintf("0x%06X", code))
	return r.send(frame)
}

// SendIRKey simulates a remote control key by its configured name.
func (r *Receiver) SendIRKey(name string) error {
	code, ok := r.cfg.IRCodes[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("%w: no IR code configured for key %q", ErrInvalidCommand, name)
	}
	return r.SendIR(code)
}

// PartyMode enables or disables party mode (MA710 and up).
func (r *Receiver) PartyMode(on bool) error {
	r.logger.Info("setting party mode", "receiver", r.cfg.ID, "on", on)
	return r.send(SwitchCommand(OpPartyMode, on))
}

// SetPartyVolume sets the party zone volume, clamped to 0-99.
func (r *Receiver) SetPartyVolume(v int) error {
	v = ClampVolume(v)
	r.logger.Info("setting party volume", "receiver", r.cfg.ID, "volume", v)
	return r.send(SetPartyVolumeCommand(v))
}

// SetTreble sets the treble trim in dB (-6 to +6).
func (r *Receiver) SetTreble(db int) error {
	frame, err := SetTrebleCommand(db)
	if err != nil {
		return err
	}
	r.logger.Info("setting treble", "receiver", r.cfg.ID, "db", db)
	return r.send(frame)
}

// SetBass sets the bass trim in dB (-6 to +6).
func (r *Receiver) SetBass(db int) error {
	frame, err := SetBassCommand(db)
	if err != nil {
		return err
	}
	r.logger.Info("setting bass", "receiver", r.cfg.ID, "db", db)
	return r.send(frame)
}

// RoomEQ enables or disables room correction.
func (r *Receiver) RoomEQ(on bool) error {
	r.logger.Info("setting room EQ", "receiver", r.cfg.ID, "on", on)
	return r.send(SwitchCommand(OpRoomEQ, on))
}

// DialogEnhanced enables or disables dialogue enhancement.
func (r *Receiver) DialogEnhanced(on bool) error {
	r.logger.Info("setting dialog enhanced", "receiver", r.cfg.ID, "on", on)
	return r.send(SwitchCommand(OpDialogEnhanced, on))
}

// DolbyAudioMode enables or disables Dolby audio mode.
func (r *Receiver) DolbyAudioMode(on bool) error {
	r.logger.Info("setting Dolby audio mode", "receiver", r.cfg.ID, "on", on)
	return r.send(SwitchCommand(OpDolbyAudioMode, on))
}

// DRC enables or disables dynamic range compression (MA710 and up).
func (r *Receiver) DRC(on bool) error {
	r.logger.Info("setting DRC", "receiver", r.cfg.ID, "on", on)
	return r.send(SwitchCommand(OpDRC, on))
}

// QueryStreamingState asks for the streaming server state.
func (r *Receiver) QueryStreamingState() error {
	return r.send(QueryCommand(OpStreamingState))
}

// QuerySoftwareVersion asks for the firmware version of one component.
func (r *Receiver) QuerySoftwareVersion(vt VersionType) error {
	frame, err := VersionQueryCommand(vt)
	if err != nil {
		return err
	}
	r.logger.Info("querying software version", "receiver", r.cfg.ID, "type", vt.String())
	return r.send(frame)
}

// QueryAll re-issues the handshake query battery, spaced like the handshake.
// Replies arrive asynchronously.
func (r *Receiver) QueryAll(ctx context.Context) error {
	interval := r.cfg.Session.withDefaults().QueryInterval
	for i, op := range handshakeQueries {
		if i > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := r.send(QueryCommand(op)); err != nil {
			return err
		}
	}
	return nil
}

// Reboot restarts the receiver.
func (r *Receiver) Reboot() error {
	r.logger.Warn("rebooting receiver", "receiver", r.cfg.ID)
	return r.send(RebootCommand())
}

// FactoryReset restores factory settings.
func (r *Receiver) FactoryReset() error {
	r.logger.Warn("factory resetting receiver", "receiver", r.cfg.ID)
	return r.send(FactoryResetCommand())
}
