// Package keystore is the signing facade the wallet talks to. A card
// backend drives a device through the command set; a software backend
// keeps the master key in memory.
package keystore

import (
	"crypto/sha512"

	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
)

const (
	bip39Salt       = "mnemonic"
	bip39Iterations = 2048
	bip39SeedLength = 64
)

type Keystore interface {
	GetStatus() (*commandset.Status, error)
	VerifyPIN(pin string) error
	ChangePIN(oldPIN, newPIN string) error
	ImportSeed(seed []byte) error
	GetXpub(path keypath.Path, version uint32) (string, error)
	// SignHash returns a low-S DER signature followed by the sighash byte.
	SignHash(path keypath.Path, hash []byte, sighash txscript.SigHashType) ([]byte, error)
	// SignTaproot returns a BIP340 signature by the taproot output key of
	// path. A nil tweak commits to no script tree.
	SignTaproot(path keypath.Path, hash, tweak []byte) ([]byte, error)
	Disconnect() error
}

// SeedFromMnemonic derives the BIP39 seed of a mnemonic.
func SeedFromMnemonic(mnemonic, passphrase string) []byte {
	return pbkdf2.Key(
		norm.NFKD.Bytes([]byte(mnemonic)),
		norm.NFKD.Bytes([]byte(bip39Salt+passphrase)),
		bip39Iterations, bip39SeedLength, sha512.New)
}

func taprootScriptRoot(tweak []byte) []byte {
	for _, b := range tweak {
		if b != 0 {
			return tweak
		}
	}
	return nil
}
