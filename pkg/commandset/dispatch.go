package commandset

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
)

type dispatchState int

const (
	stateFetchStatus dispatchState = iota
	stateOpenChannel
	stateTransmit
	stateInterpret
	stateReopen
	stateDone
)

func (s dispatchState) String() string {
	switch s {
	case stateFetchStatus:
		return "fetch-status"
	case stateOpenChannel:
		return "open-channel"
	case stateTransmit:
		return "transmit"
	case stateInterpret:
		return "interpret"
	case stateReopen:
		return "reopen"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// A full dispatch with one reopen visits at most 9 states.
const maxDispatchSteps = 12

type exchange struct {
	cmd  *apdu.Command
	resp *apdu.Response

	// pin is cached in the session when the command succeeds.
	pin []byte

	channelErr error
	reopened   bool
}

func (cs *CommandSet) send(s *Session, cmd *apdu.Command) (*apdu.Response, error) {
	return cs.dispatch(s, &exchange{cmd: cmd})
}

// dispatch runs one command through the session state machine. A stale
// secure channel is reopened at most once.
func (cs *CommandSet) dispatch(s *Session, x *exchange) (*apdu.Response, error) {
	state := stateFetchStatus
	for step := 0; state != stateDone; step++ {
		if step == maxDispatchSteps {
			return nil, errors.Wrapf(errDispatchLoop, "ins %#02x", x.cmd.Ins)
		}

		next, err := cs.step(s, x, state)
		if err != nil {
			return nil, err
		}

		cs.logger.Debug("dispatch",
			zap.Uint8("ins", x.cmd.Ins),
			zap.Stringer("from", state),
			zap.Stringer("to", next))
		state = next
	}

	return x.resp, nil
}

func (cs *CommandSet) step(s *Session, x *exchange, state dispatchState) (dispatchState, error) {
	switch state {
	case stateFetchStatus:
		if s.status == nil && !isExempt(x.cmd) {
			if _, err := cs.fetchStatus(s); err != nil {
				return stateDone, err
			}
		}
		return stateOpenChannel, nil

	case stateOpenChannel:
		if needsChannel(s, x.cmd) && !s.channel.Established() {
			if err := cs.openSecureChannel(s); err != nil {
				return stateDone, err
			}
		}
		return stateTransmit, nil

	case stateTransmit:
		return cs.transmit(s, x)

	case stateInterpret:
		return cs.interpret(s, x)

	case stateReopen:
		s.resetChannel()
		s.status = nil
		x.resp = nil
		x.channelErr = nil
		x.reopened = true
		return stateFetchStatus, nil
	}

	return stateDone, errors.Errorf("unexpected dispatch state %s", state)
}

func (cs *CommandSet) transmit(s *Session, x *exchange) (dispatchState, error) {
	cmd := x.cmd
	encrypted := needsChannel(s, cmd)

	if encrypted {
		wrapped, err := s.channel.WrapCommand(cmd)
		if err != nil {
			return stateDone, err
		}
		cmd = wrapped
	}

	resp, err := cs.transmitRaw(cmd)
	if err != nil {
		return stateDone, err
	}

	if encrypted && len(resp.Data) > 0 {
		plain, err := s.channel.Decrypt(resp.Data)
		switch {
		case errors.Is(err, ErrSecureChannel):
			s.channelState = ChannelNone
			x.channelErr = err
			resp.Data = nil
		case err != nil:
			return stateDone, err
		default:
			resp.Data = plain
		}
	}

	x.resp = resp
	return stateInterpret, nil
}

func (cs *CommandSet) interpret(s *Session, x *exchange) (dispatchState, error) {
	sw := x.resp.Sw()

	switch {
	case x.channelErr != nil || isStaleChannel(sw):
		if !x.reopened {
			cs.logger.Debug("secure channel stale, reopening", zap.Uint8("ins", x.cmd.Ins))
			return stateReopen, nil
		}
		s.resetChannel()
		if x.channelErr != nil {
			return stateDone, x.channelErr
		}
		return stateDone, errors.Wrapf(ErrSecureChannel, "sw %#04x after reopening", sw)

	case sw == SwOK:
		if x.pin != nil {
			s.setPIN(x.pin)
		}
		return stateDone, nil

	case sw == SwPINRequired:
		s.clearPIN()
		return stateDone, &AuthorizationError{Kind: PINRequired}

	case sw == SwBlocked:
		s.clearPIN()
		return stateDone, &AuthorizationError{Kind: Blocked}

	case sw&swWrongPINMask == SwWrongPINPrefix:
		s.clearPIN()
		return stateDone, &AuthorizationError{Kind: WrongPIN, RemainingAttempts: int(sw & swWrongPINTries)}

	case sw == SwLegacyWrongPIN:
		s.clearPIN()
		return stateDone, cs.legacyWrongPIN(s)
	}

	return stateDone, nil
}

// legacyWrongPIN handles firmware that reports a wrong PIN without the
// remaining tries: one extra status query recovers the count.
func (cs *CommandSet) legacyWrongPIN(s *Session) error {
	status, err := cs.fetchStatus(s)
	if err != nil {
		return errors.Wrap(err, "wrong PIN, failed to query remaining attempts")
	}
	return &AuthorizationError{Kind: WrongPIN, RemainingAttempts: int(status.PINRemaining)}
}

func (cs *CommandSet) fetchStatus(s *Session) (*Status, error) {
	resp, err := cs.transmitRaw(apdu.NewCommand(Cla, InsGetStatus, 0x00, 0x00, nil))
	if err != nil {
		return nil, err
	}

	status, err := ParseStatus(resp)
	if err != nil {
		return nil, err
	}

	s.status = status
	return status, nil
}

func (cs *CommandSet) ensureStatus(s *Session) (*Status, error) {
	if s.status != nil {
		return s.status, nil
	}
	return cs.fetchStatus(s)
}

func (cs *CommandSet) openSecureChannel(s *Session) error {
	s.channelState = ChannelNegotiating

	pub, err := s.channel.Begin()
	if err != nil {
		s.resetChannel()
		return err
	}

	resp, err := cs.transmitRaw(apdu.NewCommand(Cla, InsInitSecureChannel, 0x00, 0x00, pub))
	if err != nil {
		s.resetChannel()
		return err
	}
	if !resp.IsOK() {
		s.resetChannel()
		return newDeviceError(InsInitSecureChannel, resp.Sw())
	}

	peer, err := parseSecureChannelKey(resp.Data, s.authentikey)
	if err != nil {
		s.resetChannel()
		return errors.Wrap(err, "secure channel handshake")
	}

	if err := s.channel.Establish(peer); err != nil {
		s.resetChannel()
		return err
	}

	s.channelState = ChannelEstablished
	cs.logger.Debug("secure channel established")

	return nil
}

func (cs *CommandSet) transmitRaw(cmd *apdu.Command) (*apdu.Response, error) {
	raw, err := cmd.Serialize()
	if err != nil {
		return nil, err
	}

	cs.logger.Debug("sending command", zap.Stringer("command", cmd))

	out, err := cs.transport.Transmit(raw)
	if err != nil {
		cs.logger.Error("transmit failed", zap.Error(err))
		return nil, &TransportError{Err: err}
	}

	resp, err := apdu.ParseResponse(out)
	if err != nil {
		return nil, err
	}

	cs.logger.Debug("received response", zap.Stringer("response", resp))
	return resp, nil
}

// isExempt reports the commands that never go through the secure channel
// and never trigger a status query.
func isExempt(cmd *apdu.Command) bool {
	if cmd.Cla == ClaISO && cmd.Ins == InsSelect {
		return true
	}
	switch cmd.Ins {
	case InsGetStatus, InsInitSecureChannel, InsProcessSecureChannel:
		return true
	}
	return false
}

func needsChannel(s *Session, cmd *apdu.Command) bool {
	return !isExempt(cmd) && s.status != nil && s.status.NeedsSecureChannel
}

func isStaleChannel(sw uint16) bool {
	return sw >= SwSecureChannelRequired && sw <= SwSecureChannelWrongMAC
}
