// Package recovery reconstructs device public keys from the signatures the
// device attaches to its responses. The device only ever returns the
// x-coordinate of a key, so the y-parity is found by trying every ECDSA
// recovery id.
package recovery

import (
	"bytes"
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	CoordinateLength = 32
	maxRecoveryID    = 3

	compactMagicCompressed = 27 + 4
)

var (
	ErrKeyRecovery      = errors.New("no recovery id reproduces the expected public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// RecoverPublicKey returns the public key whose x-coordinate is coordX and
// that produced derSig over hash.
func RecoverPublicKey(coordX, hash, derSig []byte) (*btcec.PublicKey, error) {
	if len(coordX) != CoordinateLength {
		return nil, errors.Wrapf(ErrKeyRecovery, "coordinate is %d bytes", len(coordX))
	}

	r, s, err := ParseDER(derSig)
	if err != nil {
		return nil, err
	}

	for recID := 0; recID <= maxRecoveryID; recID++ {
		pub, ok := candidate(r, s, hash, recID)
		if !ok {
			continue
		}
		if bytes.Equal(XCoordinate(pub), coordX) {
			return pub, nil
		}
	}

	return nil, ErrKeyRecovery
}

// RecoverFromMessage hashes msg with SHA-256 before recovering.
func RecoverFromMessage(coordX, msg, derSig []byte) (*btcec.PublicKey, error) {
	hash := sha256.Sum256(msg)
	return RecoverPublicKey(coordX, hash[:], derSig)
}

// VerifyMessage checks a DER signature over SHA-256(msg).
func VerifyMessage(pub *btcec.PublicKey, msg, derSig []byte) bool {
	r, s, err := ParseDER(derSig)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(msg)
	return ecdsa.NewSignature(r, s).Verify(hash[:], pub)
}

// Canonicalize verifies a device signature against pub and re-encodes it
// as strict DER with a low S value.
func Canonicalize(pub *btcec.PublicKey, hash, derSig []byte) ([]byte, error) {
	r, s, err := ParseDER(derSig)
	if err != nil {
		return nil, err
	}

	if s.IsOverHalfOrder() {
		s.Negate()
	}

	sig := ecdsa.NewSignature(r, s)
	if !sig.Verify(hash, pub) {
		return nil, ErrInvalidSignature
	}

	return sig.Serialize(), nil
}

// ParseDER reads the r and s values of an ASN.1 DER ECDSA signature.
func ParseDER(derSig []byte) (*btcec.ModNScalar, *btcec.ModNScalar, error) {
	var (
		inner  cryptobyte.String
		rValue = new(big.Int)
		sValue = new(big.Int)
	)

	input := cryptobyte.String(derSig)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(rValue) || !inner.ReadASN1Integer(sValue) || !inner.Empty() {
		return nil, nil, errors.Wrap(ErrInvalidSignature, "malformed DER")
	}

	r, err := toScalar(rValue)
	if err != nil {
		return nil, nil, errors.Wrap(err, "r")
	}
	s, err := toScalar(sValue)
	if err != nil {
		return nil, nil, errors.Wrap(err, "s")
	}

	return r, s, nil
}

// EncodeDER encodes r and s as an ASN.1 DER signature without normalising
// S.
func EncodeDER(r, s *btcec.ModNScalar) []byte {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(scalarToBig(r))
		b.AddASN1BigInt(scalarToBig(s))
	})
	return b.BytesOrPanic()
}

// XCoordinate returns the 32 byte x-coordinate of pub.
func XCoordinate(pub *btcec.PublicKey) []byte {
	return pub.SerializeCompressed()[1:]
}

func candidate(r, s *btcec.ModNScalar, hash []byte, recID int) (*btcec.PublicKey, bool) {
	var compact [65]byte
	compact[0] = byte(compactMagicCompressed + recID)
	r.PutBytesUnchecked(compact[1:33])
	s.PutBytesUnchecked(compact[33:65])

	pub, _, err := ecdsa.RecoverCompact(compact[:], hash)
	if err != nil {
		return nil, false
	}
	return pub, true
}

func toScalar(v *big.Int) (*btcec.ModNScalar, error) {
	if v.Sign() <= 0 || v.BitLen() > 256 {
		return nil, ErrInvalidSignature
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(v.Bytes()); overflow || scalar.IsZero() {
		return nil, ErrInvalidSignature
	}
	return &scalar, nil
}

func scalarToBig(v *btcec.ModNScalar) *big.Int {
	b := v.Bytes()
	return new(big.Int).SetBytes(b[:])
}
