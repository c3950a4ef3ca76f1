package keystore

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
	"github.com/hsmcard/hsmcard-go/pkg/pairing"
	"github.com/hsmcard/hsmcard-go/pkg/recovery"
)

// CardKeystore serialises access to one device.
type CardKeystore struct {
	mu       sync.Mutex
	cs       *commandset.CommandSet
	pairings *pairing.Store
	cardID   string
	logger   *zap.Logger
}

// NewCardKeystore wraps transport. When pairings holds an authentikey for
// cardID, the device must prove it owns that key.
func NewCardKeystore(transport commandset.Transport, cardID string, pairings *pairing.Store, opts ...commandset.Option) (*CardKeystore, error) {
	k := &CardKeystore{
		pairings: pairings,
		cardID:   cardID,
		logger:   zap.L().Named("keystore"),
	}

	if pairings != nil {
		if info := pairings.Get(cardID); info != nil {
			authentikey, err := info.PublicKey()
			if err != nil {
				return nil, errors.Wrap(err, "invalid pinned authentikey")
			}
			opts = append(opts, commandset.WithAuthentikey(authentikey))
		}
	}

	k.cs = commandset.NewCommandSet(transport, opts...)
	return k, nil
}

func (k *CardKeystore) CommandSet() *commandset.CommandSet {
	return k.cs
}

func (k *CardKeystore) Select() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.Select()
}

func (k *CardKeystore) GetStatus() (*commandset.Status, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.GetStatus()
}

func (k *CardKeystore) Setup(pin, puk string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.Setup(pin, puk, commandset.DefaultPINTries, commandset.DefaultPUKTries)
}

func (k *CardKeystore) VerifyPIN(pin string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.cs.VerifyPIN(pin); err != nil {
		return err
	}
	return k.pinAuthentikey()
}

func (k *CardKeystore) ChangePIN(oldPIN, newPIN string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.ChangePIN(oldPIN, newPIN)
}

func (k *CardKeystore) UnblockPIN(puk string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.UnblockPIN(puk)
}

func (k *CardKeystore) Logout() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.Logout()
}

func (k *CardKeystore) PINVerified() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.PINVerified()
}

func (k *CardKeystore) ImportSeed(seed []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	authentikey, err := k.cs.ImportSeed(seed)
	if err != nil {
		return err
	}

	if k.pairings == nil {
		return nil
	}
	return k.pairings.Store(k.cardID, pairing.ToInfo(authentikey))
}

func (k *CardKeystore) GetXpub(path keypath.Path, version uint32) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.GetXpub(path, version)
}

func (k *CardKeystore) SignHash(path keypath.Path, hash []byte, sighash txscript.SigHashType) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := k.cs.GetExtendedKey(path)
	if err != nil {
		return nil, err
	}

	der, err := k.cs.SignHash(commandset.LastDerivedKey, hash, nil)
	if err != nil {
		return nil, err
	}

	sig, err := recovery.Canonicalize(key.PublicKey, hash, der)
	if err != nil {
		return nil, errors.Wrapf(err, "signature by %s", path)
	}

	return append(sig, byte(sighash)), nil
}

func (k *CardKeystore) SignTaproot(path keypath.Path, hash, tweak []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := k.cs.GetExtendedKey(path)
	if err != nil {
		return nil, err
	}

	tweaked, err := k.cs.TaprootTweakPrivateKey(commandset.LastDerivedKey, tweak)
	if err != nil {
		return nil, err
	}

	outputKey := txscript.ComputeTaprootOutputKey(key.PublicKey, taprootScriptRoot(tweak))
	if !bytes.Equal(schnorr.SerializePubKey(outputKey), schnorr.SerializePubKey(tweaked)) {
		return nil, errors.Wrap(recovery.ErrKeyRecovery, "device tweaked to an unexpected key")
	}

	raw, err := k.cs.SignSchnorrHash(commandset.LastDerivedKey, hash, nil)
	if err != nil {
		return nil, err
	}

	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return nil, errors.Wrap(commandset.ErrMalformedResponse, err.Error())
	}
	if !sig.Verify(hash, outputKey) {
		return nil, recovery.ErrInvalidSignature
	}

	return raw, nil
}

func (k *CardKeystore) Disconnect() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cs.Disconnect()
}

// pinAuthentikey records the authentikey of a seeded card the first time
// the PIN is accepted.
func (k *CardKeystore) pinAuthentikey() error {
	if k.pairings == nil || k.pairings.Get(k.cardID) != nil {
		return nil
	}

	status := k.cs.Status()
	if status == nil || !status.Seeded {
		return nil
	}

	authentikey, err := k.cs.GetAuthentikey()
	if err != nil {
		return err
	}

	k.logger.Debug("pinning authentikey", zap.String("card", k.cardID))
	return k.pairings.Store(k.cardID, pairing.ToInfo(authentikey))
}
