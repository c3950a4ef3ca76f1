package commandset

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
)

const (
	MaxPINLength = 16

	setupSecondaryPINLength = 16
	setupMemorySize         = 0x20
)

var (
	errInvalidPIN       = errors.New("PIN must be 1 to 16 bytes")
	errInvalidSeed      = errors.New("seed must be 16 to 64 bytes")
	errInvalidHash      = errors.New("hash must be 32 bytes")
	errInvalidTweak     = errors.New("tweak must be 32 bytes")
	errInvalidChallenge = errors.New("challenge response must be 20 bytes")
)

// Select selects the applet. It resets the session since the device
// drops its login and secure channel on selection.
func (cs *CommandSet) Select() error {
	resp, err := cs.send(cs.session, apdu.NewCommand(ClaISO, InsSelect, 0x04, 0x00, AppletAID))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return newDeviceError(InsSelect, resp.Sw())
	}

	cs.session.reset()
	return nil
}

// GetStatus always queries the device and replaces the cached snapshot.
func (cs *CommandSet) GetStatus() (*Status, error) {
	return cs.fetchStatus(cs.session)
}

// Setup runs the one-time applet setup. The second PIN/PUK pair is filled
// with random bytes since it is never used.
func (cs *CommandSet) Setup(pin, puk string, pinTries, pukTries uint8) error {
	if err := checkPIN(pin); err != nil {
		return err
	}
	if err := checkPIN(puk); err != nil {
		return errors.Wrap(err, "PUK")
	}

	pin1 := make([]byte, setupSecondaryPINLength)
	puk1 := make([]byte, setupSecondaryPINLength)
	if _, err := rand.Read(pin1); err != nil {
		return err
	}
	if _, err := rand.Read(puk1); err != nil {
		return err
	}

	data := lengthPrefixed(DefaultSetupPIN)
	data = append(data, pinTries, pukTries)
	data = append(data, lengthPrefixed([]byte(pin))...)
	data = append(data, lengthPrefixed([]byte(puk))...)
	data = append(data, pinTries, pukTries)
	data = append(data, lengthPrefixed(pin1)...)
	data = append(data, lengthPrefixed(puk1)...)
	data = append(data, 0x00, setupMemorySize, 0x00, setupMemorySize)
	data = append(data, 0x01, 0x01, 0x01)

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsSetup, 0x00, 0x00, data))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return newDeviceError(InsSetup, resp.Sw())
	}

	cs.session.status = nil
	return nil
}

// VerifyPIN logs in. On success the PIN is cached for the connection; any
// failure clears the cache.
func (cs *CommandSet) VerifyPIN(pin string) error {
	if err := checkPIN(pin); err != nil {
		return err
	}

	x := &exchange{
		cmd: apdu.NewCommand(Cla, InsVerifyPIN, 0x00, 0x00, []byte(pin)),
		pin: []byte(pin),
	}

	resp, err := cs.dispatch(cs.session, x)
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		cs.session.clearPIN()
		return newDeviceError(InsVerifyPIN, resp.Sw())
	}

	return nil
}

func (cs *CommandSet) ChangePIN(oldPIN, newPIN string) error {
	if err := checkPIN(oldPIN); err != nil {
		return err
	}
	if err := checkPIN(newPIN); err != nil {
		return err
	}

	data := lengthPrefixed([]byte(oldPIN))
	data = append(data, lengthPrefixed([]byte(newPIN))...)

	x := &exchange{
		cmd: apdu.NewCommand(Cla, InsChangePIN, 0x00, 0x00, data),
		pin: []byte(newPIN),
	}

	resp, err := cs.dispatch(cs.session, x)
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		cs.session.clearPIN()
		return newDeviceError(InsChangePIN, resp.Sw())
	}

	return nil
}

// UnblockPIN resets the PIN tries counter with the PUK. The PIN still has
// to be verified afterwards.
func (cs *CommandSet) UnblockPIN(puk string) error {
	if err := checkPIN(puk); err != nil {
		return errors.Wrap(err, "PUK")
	}

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsUnblockPIN, 0x00, 0x00, []byte(puk)))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return newDeviceError(InsUnblockPIN, resp.Sw())
	}

	cs.session.clearPIN()
	cs.session.status = nil
	return nil
}

// Logout drops every login on the device and the cached PIN.
func (cs *CommandSet) Logout() error {
	defer cs.session.clearPIN()

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsLogoutAll, 0x00, 0x00, nil))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return newDeviceError(InsLogoutAll, resp.Sw())
	}

	return nil
}

// ImportSeed loads a BIP32 seed and returns the authentikey the device
// reports for it.
func (cs *CommandSet) ImportSeed(seed []byte) (*btcec.PublicKey, error) {
	if len(seed) < MinSeedLength || len(seed) > MaxSeedLength {
		return nil, errInvalidSeed
	}

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsImportSeed, uint8(len(seed)), 0x00, seed))
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, newDeviceError(InsImportSeed, resp.Sw())
	}

	authentikey, _, err := readSignedKey(resp.Data, 0)
	if err != nil {
		return nil, err
	}

	cs.session.authentikey = authentikey
	cs.session.status = nil

	return authentikey, nil
}

// ResetSeed erases the seed. The device requires the PIN again as proof.
func (cs *CommandSet) ResetSeed(pin string) error {
	if err := checkPIN(pin); err != nil {
		return err
	}

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsResetSeed, uint8(len(pin)), 0x00, []byte(pin)))
	if err != nil {
		return err
	}
	if !resp.IsOK() {
		return newDeviceError(InsResetSeed, resp.Sw())
	}

	cs.session.authentikey = nil
	cs.session.status = nil
	return nil
}

// GetAuthentikey fetches the device identity key. A key that differs from
// the pinned one is rejected.
func (cs *CommandSet) GetAuthentikey() (*btcec.PublicKey, error) {
	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsGetAuthentikey, 0x00, 0x00, nil))
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, newDeviceError(InsGetAuthentikey, resp.Sw())
	}

	authentikey, _, err := readSignedKey(resp.Data, 0)
	if err != nil {
		return nil, err
	}

	if pinned := cs.session.authentikey; pinned != nil && !pinned.IsEqual(authentikey) {
		return nil, errors.Wrap(ErrKeyRecovery, "authentikey does not match the pinned key")
	}

	cs.session.authentikey = authentikey
	return authentikey, nil
}

// GetExtendedKey derives path on the device. When the device runs out of
// derivation memory the request is repeated once with a cache flush.
func (cs *CommandSet) GetExtendedKey(path keypath.Path) (*ExtendedKey, error) {
	if path.Depth() > keypath.MaxDepth {
		return nil, keypath.ErrTooDeep
	}

	cmd := apdu.NewCommand(Cla, InsGetExtendedKey, uint8(path.Depth()), ExtendedKeyOptions, path.Bytes())
	resp, err := cs.send(cs.session, cmd)
	if err != nil {
		return nil, err
	}

	if resp.Sw() == SwNoMemoryLeft {
		cs.logger.Debug("derivation memory exhausted, flushing cache", zap.Stringer("path", path))
		cmd.P2 = ExtendedKeyOptionsFlush
		resp, err = cs.send(cs.session, cmd)
		if err != nil {
			return nil, err
		}
	}

	if !resp.IsOK() {
		return nil, newDeviceError(InsGetExtendedKey, resp.Sw())
	}

	return parseExtendedKey(path, resp.Data, cs.session.authentikey)
}

// GetXpub returns the base58 extended public key at path. The parent is
// derived first so the requested key is the last derived one.
func (cs *CommandSet) GetXpub(path keypath.Path, version uint32) (string, error) {
	fingerprint := make([]byte, fingerprintLength)
	if !path.IsRoot() {
		parent, err := cs.GetExtendedKey(path.Parent())
		if err != nil {
			return "", err
		}
		fingerprint = Fingerprint(parent.PublicKey)
	}

	key, err := cs.GetExtendedKey(path)
	if err != nil {
		return "", err
	}

	payload, err := SerializeExtendedKey(version, uint8(path.Depth()), fingerprint, path.ChildNumber(), key.ChainCode, key.PublicKey)
	if err != nil {
		return "", err
	}

	return EncodeExtendedKey(payload), nil
}

// SignHash signs a 32-byte hash with the key referenced by keyRef and
// returns the device DER signature.
func (cs *CommandSet) SignHash(keyRef uint8, hash, challengeResponse []byte) ([]byte, error) {
	data, err := cs.signRequest(hash, challengeResponse)
	if err != nil {
		return nil, err
	}

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsSignHash, keyRef, 0x00, data))
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, newDeviceError(InsSignHash, resp.Sw())
	}

	if len(resp.Data) == 0 {
		return nil, errors.Wrap(ErrMalformedResponse, "empty signature")
	}

	return resp.Data, nil
}

// SignSchnorrHash returns a 64-byte BIP340 signature. Older firmware is
// rejected before anything is sent.
func (cs *CommandSet) SignSchnorrHash(keyRef uint8, hash, challengeResponse []byte) ([]byte, error) {
	if err := cs.requireFirmware("schnorr signing", MinSchnorrVersion); err != nil {
		return nil, err
	}

	data, err := cs.signRequest(hash, challengeResponse)
	if err != nil {
		return nil, err
	}

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsSignSchnorrHash, keyRef, 0x00, data))
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, newDeviceError(InsSignSchnorrHash, resp.Sw())
	}

	if len(resp.Data) != SchnorrSignatureLength {
		return nil, errors.Wrapf(ErrMalformedResponse, "schnorr signature is %d bytes", len(resp.Data))
	}

	return resp.Data, nil
}

// TaprootTweakPrivateKey tweaks the referenced key in place and returns
// the tweaked public key. A nil tweak means a key-path only output.
func (cs *CommandSet) TaprootTweakPrivateKey(keyRef uint8, tweak []byte) (*btcec.PublicKey, error) {
	if tweak == nil {
		tweak = make([]byte, TweakLength)
	}
	if len(tweak) != TweakLength {
		return nil, errInvalidTweak
	}

	if err := cs.requireFirmware("taproot tweak", MinSchnorrVersion); err != nil {
		return nil, err
	}

	resp, err := cs.send(cs.session, apdu.NewCommand(Cla, InsTaprootTweak, keyRef, 0x00, tweak))
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, newDeviceError(InsTaprootTweak, resp.Sw())
	}

	return parseTweakedKey(resp.Data)
}

func (cs *CommandSet) signRequest(hash, challengeResponse []byte) ([]byte, error) {
	if len(hash) != HashLength {
		return nil, errInvalidHash
	}
	if len(challengeResponse) != 0 && len(challengeResponse) != ChallengeResponseLength {
		return nil, errInvalidChallenge
	}

	status, err := cs.ensureStatus(cs.session)
	if err != nil {
		return nil, err
	}
	if status.Needs2FA {
		return nil, &UnsupportedFeatureError{Feature: "2FA signing", Firmware: status.Firmware}
	}

	data := make([]byte, 0, HashLength+ChallengeResponseLength)
	data = append(data, hash...)
	return append(data, challengeResponse...), nil
}

func (cs *CommandSet) requireFirmware(feature string, min Version) error {
	status, err := cs.ensureStatus(cs.session)
	if err != nil {
		return err
	}
	if !status.Firmware.AtLeast(min) {
		return &UnsupportedFeatureError{Feature: feature, Firmware: status.Firmware}
	}
	return nil
}

func checkPIN(pin string) error {
	if len(pin) == 0 || len(pin) > MaxPINLength {
		return errInvalidPIN
	}
	return nil
}

func lengthPrefixed(b []byte) []byte {
	return append([]byte{uint8(len(b))}, b...)
}
