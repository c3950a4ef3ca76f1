package apdu

import (
	"fmt"

	"github.com/pkg/errors"
	kapdu "github.com/status-im/keycard-go/apdu"
)

const SwOK uint16 = 0x9000

var ErrMalformedResponse = errors.New("malformed response")

type Response struct {
	Data []byte
	Sw1  uint8
	Sw2  uint8
}

// ParseResponse splits a raw response into its data and status word.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, errors.Wrapf(ErrMalformedResponse, "payload too short (%d < 2)", len(raw))
	}

	r, err := kapdu.ParseResponse(raw)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	return &Response{
		Data: r.Data,
		Sw1:  r.Sw1,
		Sw2:  r.Sw2,
	}, nil
}

func NewResponse(data []byte, sw uint16) *Response {
	return &Response{
		Data: data,
		Sw1:  uint8(sw >> 8),
		Sw2:  uint8(sw),
	}
}

func (r *Response) Sw() uint16 {
	return uint16(r.Sw1)<<8 | uint16(r.Sw2)
}

func (r *Response) IsOK() bool {
	return r.Sw() == SwOK
}

func (r *Response) Serialize() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Sw1, r.Sw2)
}

func (r *Response) String() string {
	return fmt.Sprintf("sw=%#04x len=%d", r.Sw(), len(r.Data))
}
