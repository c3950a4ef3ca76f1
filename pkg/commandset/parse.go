package commandset

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
	"github.com/hsmcard/hsmcard-go/pkg/recovery"
)

// ExtendedKey is the public half of a BIP32 node reported by the device.
type ExtendedKey struct {
	Path      keypath.Path
	PublicKey *btcec.PublicKey
	ChainCode []byte
}

// readSignedKey reads a size-prefixed x-coordinate at offset followed by a
// size-prefixed signature. The signature covers everything in data up to
// the end of the coordinate. It returns the recovered key and the offset
// following the signature.
func readSignedKey(data []byte, offset int) (*btcec.PublicKey, int, error) {
	size, err := apdu.BigEndianUint16(data, offset)
	if err != nil {
		return nil, 0, err
	}

	coordStart := offset + 2
	coordEnd := coordStart + size
	if len(data) < coordEnd {
		return nil, 0, errors.Wrapf(apdu.ErrMalformedResponse, "coordinate truncated (%d < %d)", len(data), coordEnd)
	}

	sigSize, err := apdu.BigEndianUint16(data, coordEnd)
	if err != nil {
		return nil, 0, err
	}

	sigStart := coordEnd + 2
	sigEnd := sigStart + sigSize
	if len(data) < sigEnd {
		return nil, 0, errors.Wrapf(apdu.ErrMalformedResponse, "signature truncated (%d < %d)", len(data), sigEnd)
	}

	pub, err := recovery.RecoverFromMessage(data[coordStart:coordEnd], data[:coordEnd], data[sigStart:sigEnd])
	if err != nil {
		return nil, 0, err
	}

	return pub, sigEnd, nil
}

// verifyAuthentikey checks the size-prefixed signature found at offset
// against the pinned authentikey. It is a no-op when no key is pinned.
func verifyAuthentikey(data []byte, offset int, authentikey *btcec.PublicKey) error {
	if authentikey == nil {
		return nil
	}

	size, err := apdu.BigEndianUint16(data, offset)
	if err != nil {
		return errors.Wrap(recovery.ErrKeyRecovery, "missing authentikey signature")
	}

	sigStart := offset + 2
	if len(data) < sigStart+size {
		return errors.Wrapf(apdu.ErrMalformedResponse, "authentikey signature truncated")
	}

	if !recovery.VerifyMessage(authentikey, data[:offset], data[sigStart:sigStart+size]) {
		return errors.Wrap(recovery.ErrKeyRecovery, "authentikey signature does not match")
	}

	return nil
}

func parseSecureChannelKey(data []byte, authentikey *btcec.PublicKey) (*btcec.PublicKey, error) {
	pub, end, err := readSignedKey(data, 0)
	if err != nil {
		return nil, err
	}

	if err := verifyAuthentikey(data, end, authentikey); err != nil {
		return nil, err
	}

	return pub, nil
}

func parseExtendedKey(path keypath.Path, data []byte, authentikey *btcec.PublicKey) (*ExtendedKey, error) {
	if len(data) < ChainCodeLength {
		return nil, errors.Wrapf(apdu.ErrMalformedResponse, "extended key is %d bytes", len(data))
	}

	pub, end, err := readSignedKey(data, ChainCodeLength)
	if err != nil {
		return nil, err
	}

	if err := verifyAuthentikey(data, end, authentikey); err != nil {
		return nil, err
	}

	chainCode := make([]byte, ChainCodeLength)
	copy(chainCode, data[:ChainCodeLength])

	return &ExtendedKey{
		Path:      path,
		PublicKey: pub,
		ChainCode: chainCode,
	}, nil
}

func parseTweakedKey(data []byte) (*btcec.PublicKey, error) {
	size, err := apdu.BigEndianUint16(data, 0)
	if err != nil {
		return nil, err
	}
	if len(data) < 2+size {
		return nil, errors.Wrapf(apdu.ErrMalformedResponse, "tweaked key truncated")
	}

	pub, err := btcec.ParsePubKey(data[2 : 2+size])
	if err != nil {
		return nil, errors.Wrap(apdu.ErrMalformedResponse, err.Error())
	}

	return pub, nil
}
