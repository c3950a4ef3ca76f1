package internal

import (
	"context"
	"runtime"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
)

type commandType int

const (
	Close commandType = iota
	Transmit
	Disconnect
	Ack
)

var (
	errPCSC         = errors.New("PC/SC service unavailable")
	errNoActiveCard = errors.New("no card connected")
)

// pcscTransport moves every exchange with the card onto one locked OS
// thread. Callers must not issue concurrent requests.
type pcscTransport struct {
	cardCtx *scard.Context
	card    *scard.Card
	command chan commandType
	apdu    []byte
	rpdu    []byte
	runErr  error
}

func newPCSCTransport() (*pcscTransport, error) {
	cardCtx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(errPCSC, err.Error())
	}

	return &pcscTransport{
		cardCtx: cardCtx,
		command: make(chan commandType),
	}, nil
}

func (t *pcscTransport) Transmit(apdu []byte) ([]byte, error) {
	t.apdu = apdu
	t.command <- Transmit
	<-t.command
	t.apdu = nil
	rpdu, err := t.rpdu, t.runErr
	t.rpdu = nil
	t.runErr = nil
	return rpdu, err
}

func (t *pcscTransport) Disconnect() error {
	t.command <- Disconnect
	<-t.command
	err := t.runErr
	t.runErr = nil
	return err
}

func (t *pcscTransport) run(ctx context.Context) {
	// Some PC/SC stacks bind the card handle to the thread that opened it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-t.command:
			switch cmd {
			case Transmit:
				if t.card == nil {
					t.rpdu, t.runErr = nil, errNoActiveCard
				} else {
					t.rpdu, t.runErr = t.card.Transmit(t.apdu)
				}
				t.command <- Ack
			case Disconnect:
				if t.card != nil {
					t.runErr = t.card.Disconnect(scard.LeaveCard)
					t.card = nil
				}
				t.command <- Ack
			case Close:
				return
			default:
				break
			}
		}
	}
}

func (t *pcscTransport) connect(reader string) error {
	card, err := t.cardCtx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return errors.Wrap(err, "failed to connect to card")
	}

	if _, err = card.Status(); err != nil {
		return errors.Wrap(err, "failed to get card status")
	}

	t.card = card
	return nil
}

func (t *pcscTransport) release() {
	if t.cardCtx != nil {
		_ = t.cardCtx.Release()
	}
}

func isSCardError(err error) bool {
	var scErr scard.Error
	return errors.As(err, &scErr)
}
