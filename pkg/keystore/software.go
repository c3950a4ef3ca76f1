package keystore

import (
	"crypto/subtle"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
)

const softwarePINTries = 3

var errNotSeeded = errors.New("no seed loaded")

// SoftwareKeystore keeps a BIP32 master key in memory behind a PIN. It
// mirrors the card's authorization rules.
type SoftwareKeystore struct {
	mu           sync.Mutex
	pin          []byte
	pinRemaining int
	verified     bool
	master       *hdkeychain.ExtendedKey
	params       *chaincfg.Params
}

func NewSoftwareKeystore(pin string) *SoftwareKeystore {
	return &SoftwareKeystore{
		pin:          []byte(pin),
		pinRemaining: softwarePINTries,
		params:       &chaincfg.MainNetParams,
	}
}

func (k *SoftwareKeystore) GetStatus() (*commandset.Status, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return &commandset.Status{
		Firmware:     commandset.MinSchnorrVersion,
		PINRemaining: uint8(k.pinRemaining),
		Seeded:       k.master != nil,
		SetupDone:    true,
	}, nil
}

func (k *SoftwareKeystore) VerifyPIN(pin string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.checkPIN(pin)
}

func (k *SoftwareKeystore) ChangePIN(oldPIN, newPIN string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.checkPIN(oldPIN); err != nil {
		return err
	}
	k.pin = []byte(newPIN)
	return nil
}

func (k *SoftwareKeystore) ImportSeed(seed []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.verified {
		return &commandset.AuthorizationError{Kind: commandset.PINRequired}
	}

	master, err := hdkeychain.NewMaster(seed, k.params)
	if err != nil {
		return err
	}
	k.master = master
	return nil
}

func (k *SoftwareKeystore) GetXpub(path keypath.Path, version uint32) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	node, err := k.derive(path)
	if err != nil {
		return "", err
	}

	public, err := node.Neuter()
	if err != nil {
		return "", err
	}

	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	public, err = public.CloneWithVersion(v[:])
	if err != nil {
		return "", err
	}

	return public.String(), nil
}

func (k *SoftwareKeystore) SignHash(path keypath.Path, hash []byte, sighash txscript.SigHashType) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(hash) != commandset.HashLength {
		return nil, errors.New("hash must be 32 bytes")
	}

	node, err := k.derive(path)
	if err != nil {
		return nil, err
	}
	priv, err := node.ECPrivKey()
	if err != nil {
		return nil, err
	}

	sig := ecdsa.Sign(priv, hash).Serialize()
	return append(sig, byte(sighash)), nil
}

func (k *SoftwareKeystore) SignTaproot(path keypath.Path, hash, tweak []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(hash) != commandset.HashLength {
		return nil, errors.New("hash must be 32 bytes")
	}

	node, err := k.derive(path)
	if err != nil {
		return nil, err
	}
	priv, err := node.ECPrivKey()
	if err != nil {
		return nil, err
	}

	tweaked := txscript.TweakTaprootPrivKey(*priv, taprootScriptRoot(tweak))
	sig, err := schnorr.Sign(tweaked, hash)
	if err != nil {
		return nil, err
	}

	return sig.Serialize(), nil
}

func (k *SoftwareKeystore) Disconnect() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.verified = false
	return nil
}

func (k *SoftwareKeystore) checkPIN(pin string) error {
	if k.pinRemaining == 0 {
		return &commandset.AuthorizationError{Kind: commandset.Blocked}
	}

	if subtle.ConstantTimeCompare([]byte(pin), k.pin) != 1 {
		k.pinRemaining--
		k.verified = false
		return &commandset.AuthorizationError{Kind: commandset.WrongPIN, RemainingAttempts: k.pinRemaining}
	}

	k.pinRemaining = softwarePINTries
	k.verified = true
	return nil
}

func (k *SoftwareKeystore) derive(path keypath.Path) (*hdkeychain.ExtendedKey, error) {
	if !k.verified {
		return nil, &commandset.AuthorizationError{Kind: commandset.PINRequired}
	}
	if k.master == nil {
		return nil, errNotSeeded
	}

	node := k.master
	for _, index := range path {
		child, err := node.Derive(index)
		if err != nil {
			return nil, errors.Wrapf(err, "derive %s", path)
		}
		node = child
	}
	return node, nil
}
