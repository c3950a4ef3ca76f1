package commandset

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/recovery"
	"github.com/hsmcard/hsmcard-go/pkg/securechannel"
)

var (
	ErrMalformedResponse = apdu.ErrMalformedResponse
	ErrSecureChannel     = securechannel.ErrSecureChannel
	ErrKeyRecovery       = recovery.ErrKeyRecovery

	errDispatchLoop = errors.New("command dispatch did not converge")
)

type AuthorizationKind int

const (
	WrongPIN AuthorizationKind = iota
	PINRequired
	Blocked
)

func (k AuthorizationKind) String() string {
	switch k {
	case WrongPIN:
		return "wrong PIN"
	case PINRequired:
		return "PIN required"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("authorization(%d)", int(k))
	}
}

type AuthorizationError struct {
	Kind              AuthorizationKind
	RemainingAttempts int
}

func (e *AuthorizationError) Error() string {
	if e.Kind == WrongPIN {
		return fmt.Sprintf("wrong PIN, %d attempts remaining", e.RemainingAttempts)
	}
	return e.Kind.String()
}

type UnsupportedFeatureError struct {
	Feature  string
	Firmware Version
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("%s is not supported by firmware %s", e.Feature, e.Firmware)
}

// DeviceError carries a status word the command set does not interpret.
type DeviceError struct {
	Ins uint8
	Sw  uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected ins %#02x with sw %#04x", e.Ins, e.Sw)
}

type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemainingAttempts extracts the PIN tries left from an authorization
// failure.
func RemainingAttempts(err error) (int, bool) {
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		return 0, false
	}
	return authErr.RemainingAttempts, true
}

func IsBlocked(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr) && authErr.Kind == Blocked
}

func newDeviceError(ins uint8, sw uint16) error {
	return &DeviceError{Ins: ins, Sw: sw}
}
