package internal

import (
	"github.com/hsmcard/hsmcard-go/pkg/commandset"
)

type State string

const (
	UnknownReaderState State = "unknown"
	NoPCSC             State = "no-pcsc"
	InternalError      State = "internal-error"
	WaitingForReader   State = "waiting-for-reader"
	WaitingForCard     State = "waiting-for-card"
	ConnectingCard     State = "connecting-card"
	ConnectionError    State = "connection-error"
	NotHSMCard         State = "not-hsm-card"
	NotSetUp           State = "not-set-up"
	BlockedPIN         State = "blocked-pin" // PIN remaining attempts == 0
	BlockedPUK         State = "blocked-puk" // PUK remaining attempts == 0
	NoSeed             State = "no-seed"
	Ready              State = "ready"
	Authorized         State = "authorized"
)

type Status struct {
	State       State              `json:"state"`
	Reader      string             `json:"reader,omitempty"`
	PINVerified bool               `json:"pinVerified"`
	CardStatus  *commandset.Status `json:"cardStatus"`
}

func NewStatus() *Status {
	status := &Status{}
	status.Reset()
	return status
}

func (s *Status) Reset() {
	s.State = UnknownReaderState
	s.Reader = ""
	s.PINVerified = false
	s.CardStatus = nil
}

// stateOf maps a device status to the state shown to clients. Setup and
// blocking take precedence over login.
func stateOf(status *commandset.Status, pinVerified bool) State {
	switch {
	case status == nil:
		return ConnectionError
	case !status.SetupDone:
		return NotSetUp
	case status.PINRemaining == 0 && status.PUKRemaining == 0:
		return BlockedPUK
	case status.PINRemaining == 0:
		return BlockedPIN
	case !status.Seeded:
		return NoSeed
	case pinVerified:
		return Authorized
	default:
		return Ready
	}
}
