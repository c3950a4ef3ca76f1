package apdu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	headerLength  = 5
	MaxDataLength = 255
)

var ErrDataTooLong = errors.New("command data exceeds 255 bytes")

// Command is a short command APDU. The Lc byte is always present, even
// when the data field is empty.
type Command struct {
	Cla  uint8
	Ins  uint8
	P1   uint8
	P2   uint8
	Data []byte

	// ExpectsLe appends a trailing 0x00 Le byte.
	ExpectsLe bool
}

func NewCommand(cla, ins, p1, p2 uint8, data []byte) *Command {
	return &Command{
		Cla:  cla,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
	}
}

// Len is the serialized length of the command.
func (c *Command) Len() int {
	n := headerLength + len(c.Data)
	if c.ExpectsLe {
		n++
	}
	return n
}

func (c *Command) Serialize() ([]byte, error) {
	if len(c.Data) > MaxDataLength {
		return nil, errors.Wrapf(ErrDataTooLong, "ins %#02x, %d bytes", c.Ins, len(c.Data))
	}

	buf := bytes.NewBuffer(make([]byte, 0, c.Len()))
	buf.Write([]byte{c.Cla, c.Ins, c.P1, c.P2, uint8(len(c.Data))})
	buf.Write(c.Data)
	if c.ExpectsLe {
		buf.WriteByte(0x00)
	}

	return buf.Bytes(), nil
}

func (c *Command) String() string {
	return fmt.Sprintf("cla=%#02x ins=%#02x p1=%#02x p2=%#02x lc=%d", c.Cla, c.Ins, c.P1, c.P2, len(c.Data))
}

// ParseCommand is the inverse of Serialize.
func ParseCommand(raw []byte) (*Command, error) {
	if len(raw) < headerLength {
		return nil, fmt.Errorf("command too short (%d < %d)", len(raw), headerLength)
	}

	lc := int(raw[4])
	cmd := &Command{
		Cla: raw[0],
		Ins: raw[1],
		P1:  raw[2],
		P2:  raw[3],
	}

	switch len(raw) {
	case headerLength + lc:
	case headerLength + lc + 1:
		if raw[len(raw)-1] != 0x00 {
			return nil, fmt.Errorf("unexpected Le byte %#02x", raw[len(raw)-1])
		}
		cmd.ExpectsLe = true
	default:
		return nil, fmt.Errorf("lc %d does not match command length %d", lc, len(raw))
	}

	cmd.Data = make([]byte, lc)
	copy(cmd.Data, raw[headerLength:headerLength+lc])

	return cmd, nil
}

// BigEndianUint16 reads a 2-byte length prefix at offset.
func BigEndianUint16(data []byte, offset int) (int, error) {
	if len(data) < offset+2 {
		return 0, errors.Wrapf(ErrMalformedResponse, "missing length prefix at offset %d", offset)
	}
	return int(binary.BigEndian.Uint16(data[offset:])), nil
}
