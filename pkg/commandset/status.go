package commandset

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
)

type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Status is a snapshot of the device state. Fields missing from a short
// response keep their defaults.
type Status struct {
	Protocol           Version `json:"protocol"`
	Firmware           Version `json:"firmware"`
	PINRemaining       uint8   `json:"pinRemaining"`
	PUKRemaining       uint8   `json:"pukRemaining"`
	PIN1Remaining      uint8   `json:"pin1Remaining"`
	PUK1Remaining      uint8   `json:"puk1Remaining"`
	Needs2FA           bool    `json:"needs2FA"`
	Seeded             bool    `json:"seeded"`
	SetupDone          bool    `json:"setupDone"`
	NeedsSecureChannel bool    `json:"needsSecureChannel"`
}

const (
	statusVersionLength = 4
	statusTriesLength   = 8
	status2FAOffset     = 8
	statusSeededOffset  = 9
	statusSetupOffset   = 10
	statusChannelOffset = 11
)

// ParseStatus decodes a status response. A "setup not done" word yields a
// valid snapshot with setup, seed and secure channel all reported false.
func ParseStatus(resp *apdu.Response) (*Status, error) {
	if resp.Sw() == SwSetupNotDone {
		return &Status{}, nil
	}
	if !resp.IsOK() {
		return nil, newDeviceError(InsGetStatus, resp.Sw())
	}

	data := resp.Data
	if len(data) < statusVersionLength {
		return nil, errors.Wrapf(apdu.ErrMalformedResponse, "status is %d bytes", len(data))
	}

	s := &Status{
		Protocol:  Version{Major: data[0], Minor: data[1]},
		Firmware:  Version{Major: data[2], Minor: data[3]},
		SetupDone: true,
	}

	if len(data) >= statusTriesLength {
		s.PINRemaining = data[4]
		s.PUKRemaining = data[5]
		s.PIN1Remaining = data[6]
		s.PUK1Remaining = data[7]
	}
	if len(data) > status2FAOffset {
		s.Needs2FA = data[status2FAOffset] != 0
	}
	if len(data) > statusSeededOffset {
		s.Seeded = data[statusSeededOffset] != 0
	}
	if len(data) > statusSetupOffset {
		s.SetupDone = data[statusSetupOffset] != 0
	}
	if len(data) > statusChannelOffset {
		s.NeedsSecureChannel = data[statusChannelOffset] != 0
	}

	return s, nil
}

// Serialize is the inverse of ParseStatus for a full-length response.
func (s *Status) Serialize() []byte {
	return []byte{
		s.Protocol.Major, s.Protocol.Minor,
		s.Firmware.Major, s.Firmware.Minor,
		s.PINRemaining, s.PUKRemaining, s.PIN1Remaining, s.PUK1Remaining,
		boolByte(s.Needs2FA),
		boolByte(s.Seeded),
		boolByte(s.SetupDone),
		boolByte(s.NeedsSecureChannel),
	}
}

func boolByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}
