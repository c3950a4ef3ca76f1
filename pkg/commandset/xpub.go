package commandset

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

const (
	ExtendedKeyLength = 78
	fingerprintLength = 4
	checksumLength    = 4
)

// Fingerprint is the first 4 bytes of HASH160 of the compressed key.
func Fingerprint(pub *btcec.PublicKey) []byte {
	return btcutil.Hash160(pub.SerializeCompressed())[:fingerprintLength]
}

// SerializeExtendedKey builds the 78-byte BIP32 public payload.
func SerializeExtendedKey(version uint32, depth uint8, parentFingerprint []byte, childNumber uint32, chainCode []byte, pub *btcec.PublicKey) ([]byte, error) {
	if len(parentFingerprint) != fingerprintLength {
		return nil, errors.Errorf("fingerprint is %d bytes", len(parentFingerprint))
	}
	if len(chainCode) != ChainCodeLength {
		return nil, errors.Errorf("chain code is %d bytes", len(chainCode))
	}

	payload := make([]byte, 0, ExtendedKeyLength)
	payload = binary.BigEndian.AppendUint32(payload, version)
	payload = append(payload, depth)
	payload = append(payload, parentFingerprint...)
	payload = binary.BigEndian.AppendUint32(payload, childNumber)
	payload = append(payload, chainCode...)
	payload = append(payload, pub.SerializeCompressed()...)

	return payload, nil
}

// EncodeExtendedKey appends the double-SHA256 checksum and encodes the
// result in base58.
func EncodeExtendedKey(payload []byte) string {
	checksum := chainhash.DoubleHashB(payload)[:checksumLength]

	out := make([]byte, 0, len(payload)+checksumLength)
	out = append(out, payload...)
	out = append(out, checksum...)

	return base58.Encode(out)
}
