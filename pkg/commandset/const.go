package commandset

import (
	"github.com/hsmcard/hsmcard-go/pkg/securechannel"
)

const (
	Cla    = securechannel.Cla
	ClaISO = 0x00

	InsSelect               = 0xA4
	InsSetup                = 0x2A
	InsGetStatus            = 0x3C
	InsVerifyPIN            = 0x42
	InsChangePIN            = 0x44
	InsUnblockPIN           = 0x46
	InsLogoutAll            = 0x60
	InsImportSeed           = 0x6C
	InsGetExtendedKey       = 0x6D
	InsGetAuthentikey       = 0x73
	InsResetSeed            = 0x77
	InsSignHash             = 0x7A
	InsSignSchnorrHash      = 0x7B
	InsTaprootTweak         = 0x7C
	InsInitSecureChannel    = securechannel.InsInit
	InsProcessSecureChannel = securechannel.InsProcess
)

const (
	SwOK                         uint16 = 0x9000
	SwNoMemoryLeft               uint16 = 0x9C01
	SwLegacyWrongPIN             uint16 = 0x9C02
	SwSetupNotDone               uint16 = 0x9C04
	SwPINRequired                uint16 = 0x9C06
	SwBlocked                    uint16 = 0x9C0C
	SwInvalidParameter           uint16 = 0x9C0F
	SwSeedNotInitialized         uint16 = 0x9C17
	SwSeedAlreadyInitialized     uint16 = 0x9C18
	SwSecureChannelRequired      uint16 = 0x9C20
	SwSecureChannelUninitialized uint16 = 0x9C21
	SwSecureChannelWrongIV       uint16 = 0x9C22
	SwSecureChannelWrongMAC      uint16 = 0x9C23
	SwWrongPINPrefix             uint16 = 0x63C0
	SwWrongLength                uint16 = 0x6700
	SwFileNotFound               uint16 = 0x6A82
	SwInsNotSupported            uint16 = 0x6D00

	swWrongPINMask  uint16 = 0xFFF0
	swWrongPINTries uint16 = 0x000F
)

const (
	// ExtendedKeyOptions is the P2 of a derivation request.
	ExtendedKeyOptions = 0x40
	// ExtendedKeyOptionsFlush additionally drops the device derivation cache.
	ExtendedKeyOptionsFlush = 0xC0

	// LastDerivedKey references the key of the latest derivation.
	LastDerivedKey = 0xFF

	ChainCodeLength         = 32
	HashLength              = 32
	ChallengeResponseLength = 20
	TweakLength             = 32
	SchnorrSignatureLength  = 64
	MinSeedLength           = 16
	MaxSeedLength           = 64

	DefaultPINTries = 5
	DefaultPUKTries = 5
)

var (
	AppletAID = []byte{0x53, 0x61, 0x74, 0x6F, 0x43, 0x68, 0x69, 0x70}

	// DefaultSetupPIN is the factory PIN the applet expects during setup.
	DefaultSetupPIN = []byte("Muscle00")

	MinSchnorrVersion = Version{Major: 0, Minor: 14}
)
