// Package commandset drives a Satochip-compatible applet: it keeps the
// per-connection session, dispatches commands through the secure channel
// when the device asks for it and turns status words into typed errors.
package commandset

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/securechannel"
)

// Transport moves raw APDUs to the device and back.
type Transport interface {
	Transmit(command []byte) ([]byte, error)
	Disconnect() error
}

type ChannelState int

const (
	ChannelNone ChannelState = iota
	ChannelNegotiating
	ChannelEstablished
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNegotiating:
		return "negotiating"
	case ChannelEstablished:
		return "established"
	default:
		return "none"
	}
}

// Session is the state of one connection to the device. It is owned by a
// single CommandSet and passed explicitly to every dispatch step.
type Session struct {
	status       *Status
	channel      *securechannel.Session
	channelState ChannelState
	pin          []byte
	authentikey  *btcec.PublicKey
}

func newSession(opts ...securechannel.Option) *Session {
	return &Session{
		channel: securechannel.NewSession(opts...),
	}
}

func (s *Session) setPIN(pin []byte) {
	s.clearPIN()
	s.pin = append([]byte(nil), pin...)
}

func (s *Session) clearPIN() {
	for i := range s.pin {
		s.pin[i] = 0
	}
	s.pin = nil
}

func (s *Session) resetChannel() {
	s.channel.Reset()
	s.channelState = ChannelNone
}

func (s *Session) reset() {
	s.resetChannel()
	s.clearPIN()
	s.status = nil
}

type CommandSet struct {
	transport Transport
	session   *Session
	logger    *zap.Logger

	channelOptions []securechannel.Option
}

type Option func(*CommandSet)

func WithLogger(logger *zap.Logger) Option {
	return func(cs *CommandSet) {
		cs.logger = logger
	}
}

// WithChannelOptions configures the host side of the secure channel.
func WithChannelOptions(opts ...securechannel.Option) Option {
	return func(cs *CommandSet) {
		cs.channelOptions = append(cs.channelOptions, opts...)
	}
}

// WithAuthentikey pins the device authentikey. Secure channel handshakes
// and derivations are then rejected unless the device proves possession.
func WithAuthentikey(key *btcec.PublicKey) Option {
	return func(cs *CommandSet) {
		cs.session.authentikey = key
	}
}

func NewCommandSet(t Transport, opts ...Option) *CommandSet {
	cs := &CommandSet{
		transport: t,
		session:   &Session{},
		logger:    zap.L().Named("commandset"),
	}
	for _, opt := range opts {
		opt(cs)
	}

	authentikey := cs.session.authentikey
	cs.session = newSession(cs.channelOptions...)
	cs.session.authentikey = authentikey

	return cs
}

// Status returns the last status snapshot, nil if none was taken yet.
func (cs *CommandSet) Status() *Status {
	return cs.session.status
}

func (cs *CommandSet) ChannelState() ChannelState {
	return cs.session.channelState
}

// PINVerified reports whether a PIN was accepted during this connection
// and has not been invalidated since.
func (cs *CommandSet) PINVerified() bool {
	return cs.session.pin != nil
}

// Authentikey is the device identity key, if known.
func (cs *CommandSet) Authentikey() *btcec.PublicKey {
	return cs.session.authentikey
}

// Disconnect clears the session and releases the transport. The session is
// cleared even if the transport fails to disconnect.
func (cs *CommandSet) Disconnect() error {
	cs.session.reset()

	if err := cs.transport.Disconnect(); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
