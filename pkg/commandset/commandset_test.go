package commandset_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/emulator"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
)

const (
	testPIN      = "123456"
	testPUK      = "12345678"
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	zpubVersion = 0x04b24746
	xpubVersion = 0x0488b21e

	// BIP84 account 0 of the test mnemonic.
	bip84AccountZpub = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"
	// BIP84 m/84'/0'/0'/0/0 of the test mnemonic.
	bip84FirstPubKey = "0330d54fd0dd420a6e5f8d3624f5f3482cae350f79d5f0753bf5beef9c2d91af3c"
)

var testSeed = bip39.NewSeed(testMnemonic, "")

func newCard(t *testing.T, opts ...emulator.Option) (*emulator.Card, *commandset.CommandSet) {
	t.Helper()
	opts = append([]emulator.Option{
		emulator.WithSetup(testPIN, testPUK, 3),
		emulator.WithSeed(testSeed),
	}, opts...)
	card := emulator.New(opts...)
	return card, commandset.NewCommandSet(card)
}

func mustParse(t *testing.T, path string) keypath.Path {
	t.Helper()
	p, err := keypath.Parse(path)
	require.NoError(t, err)
	return p
}

func referenceKey(t *testing.T, path keypath.Path) *hdkeychain.ExtendedKey {
	t.Helper()
	node, err := hdkeychain.NewMaster(testSeed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	for _, index := range path {
		node, err = node.Derive(index)
		require.NoError(t, err)
	}
	return node
}

func countIns(received []uint8, ins uint8) int {
	n := 0
	for _, i := range received {
		if i == ins {
			n++
		}
	}
	return n
}

func TestWrongPINReportsRemainingAttempts(t *testing.T) {
	card, cs := newCard(t)

	err := cs.VerifyPIN("000000")
	var authErr *commandset.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, commandset.WrongPIN, authErr.Kind)
	require.Equal(t, 2, authErr.RemainingAttempts)
	require.False(t, cs.PINVerified())
	require.Equal(t, uint8(2), card.PINRemaining())

	remaining, ok := commandset.RemainingAttempts(err)
	require.True(t, ok)
	require.Equal(t, 2, remaining)
}

func TestWrongPINClearsCachedPIN(t *testing.T) {
	_, cs := newCard(t)

	require.NoError(t, cs.VerifyPIN(testPIN))
	require.True(t, cs.PINVerified())

	require.Error(t, cs.VerifyPIN("000000"))
	require.False(t, cs.PINVerified())
}

func TestLegacyWrongPINQueriesStatus(t *testing.T) {
	card, cs := newCard(t, emulator.WithLegacyWrongPIN())

	err := cs.VerifyPIN("000000")
	remaining, ok := commandset.RemainingAttempts(err)
	require.True(t, ok)
	require.Equal(t, 2, remaining)

	received := card.Received()
	require.Equal(t, commandset.InsGetStatus, int(received[len(received)-1]))
	require.Equal(t, 2, countIns(received, commandset.InsGetStatus))
}

func TestBlockedAfterLastAttempt(t *testing.T) {
	_, cs := newCard(t, emulator.WithSetup(testPIN, testPUK, 1))

	err := cs.VerifyPIN("000000")
	remaining, ok := commandset.RemainingAttempts(err)
	require.True(t, ok)
	require.Zero(t, remaining)

	err = cs.VerifyPIN(testPIN)
	require.True(t, commandset.IsBlocked(err))

	require.NoError(t, cs.UnblockPIN(testPUK))
	require.NoError(t, cs.VerifyPIN(testPIN))
}

func TestPINRequired(t *testing.T) {
	_, cs := newCard(t)

	_, err := cs.GetExtendedKey(mustParse(t, "m/84'/0'/0'"))
	var authErr *commandset.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, commandset.PINRequired, authErr.Kind)
}

func TestStaleChannelIsRetriedOnce(t *testing.T) {
	card, cs := newCard(t, emulator.WithFault(func(cmd *apdu.Command) (uint16, bool) {
		return commandset.SwSecureChannelUninitialized, true
	}))

	err := cs.VerifyPIN(testPIN)
	require.ErrorIs(t, err, commandset.ErrSecureChannel)
	require.Equal(t, 2, card.Handshakes())
	require.Equal(t, commandset.ChannelNone, cs.ChannelState())
}

func TestStaleChannelRecovers(t *testing.T) {
	fired := false
	card, cs := newCard(t, emulator.WithFault(func(cmd *apdu.Command) (uint16, bool) {
		if fired {
			return 0, false
		}
		fired = true
		return commandset.SwSecureChannelWrongMAC, true
	}))

	require.NoError(t, cs.VerifyPIN(testPIN))
	require.Equal(t, 2, card.Handshakes())
	require.Equal(t, commandset.ChannelEstablished, cs.ChannelState())
}

type tamperingTransport struct {
	*emulator.Card
	remaining int
}

func (t *tamperingTransport) Transmit(raw []byte) ([]byte, error) {
	out, err := t.Card.Transmit(raw)
	if err != nil || raw[1] != commandset.InsProcessSecureChannel || len(out) <= 2 || t.remaining == 0 {
		return out, err
	}
	t.remaining--
	out[len(out)-3] ^= 0xFF
	return out, nil
}

func TestTamperedResponseReopensChannel(t *testing.T) {
	card, _ := newCard(t)
	transport := &tamperingTransport{Card: card, remaining: 1}
	cs := commandset.NewCommandSet(transport)

	authentikey, err := cs.GetAuthentikey()
	require.NoError(t, err)
	require.True(t, authentikey.IsEqual(card.AuthentikeyPublic()))
	require.Equal(t, 2, card.Handshakes())

	transport.remaining = 2
	cs = commandset.NewCommandSet(transport)
	_, err = cs.GetAuthentikey()
	require.ErrorIs(t, err, commandset.ErrSecureChannel)
}

func TestXpubVectors(t *testing.T) {
	_, cs := newCard(t)
	require.NoError(t, cs.VerifyPIN(testPIN))

	zpub, err := cs.GetXpub(mustParse(t, "m/84'/0'/0'"), zpubVersion)
	require.NoError(t, err)
	require.Equal(t, bip84AccountZpub, zpub)

	path := mustParse(t, "m/44'/0'/0'")
	xpub, err := cs.GetXpub(path, xpubVersion)
	require.NoError(t, err)
	reference, err := referenceKey(t, path).Neuter()
	require.NoError(t, err)
	require.Equal(t, reference.String(), xpub)

	root, err := cs.GetXpub(keypath.Path{}, xpubVersion)
	require.NoError(t, err)
	reference, err = referenceKey(t, keypath.Path{}).Neuter()
	require.NoError(t, err)
	require.Equal(t, reference.String(), root)
}

func TestExtendedKeyMatchesReference(t *testing.T) {
	_, cs := newCard(t)
	require.NoError(t, cs.VerifyPIN(testPIN))

	path := mustParse(t, "m/84'/0'/0'/0/0")
	key, err := cs.GetExtendedKey(path)
	require.NoError(t, err)
	require.Equal(t, bip84FirstPubKey, hex.EncodeToString(key.PublicKey.SerializeCompressed()))

	reference := referenceKey(t, path)
	refPub, err := reference.ECPubKey()
	require.NoError(t, err)
	require.True(t, refPub.IsEqual(key.PublicKey))
	require.Equal(t, reference.ChainCode(), key.ChainCode)
}

func TestExtendedKeyFlushesCacheOnNoMemory(t *testing.T) {
	card, cs := newCard(t, emulator.WithCacheSize(3))
	require.NoError(t, cs.VerifyPIN(testPIN))

	_, err := cs.GetExtendedKey(mustParse(t, "m/84'/0'/0'"))
	require.NoError(t, err)

	path := mustParse(t, "m/44'/0'/0'")
	key, err := cs.GetExtendedKey(path)
	require.NoError(t, err)

	refPub, err := referenceKey(t, path).ECPubKey()
	require.NoError(t, err)
	require.True(t, refPub.IsEqual(key.PublicKey))
	require.Equal(t, 3, countIns(card.Received(), commandset.InsGetExtendedKey))
}

func TestExtendedKeyTooDeepForCache(t *testing.T) {
	_, cs := newCard(t, emulator.WithCacheSize(2))
	require.NoError(t, cs.VerifyPIN(testPIN))

	_, err := cs.GetExtendedKey(mustParse(t, "m/84'/0'/0'"))
	var devErr *commandset.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, commandset.SwNoMemoryLeft, devErr.Sw)
}

func TestSignHash(t *testing.T) {
	_, cs := newCard(t)
	require.NoError(t, cs.VerifyPIN(testPIN))

	key, err := cs.GetExtendedKey(mustParse(t, "m/84'/0'/0'/0/0"))
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("spend"))
	der, err := cs.SignHash(commandset.LastDerivedKey, hash[:], nil)
	require.NoError(t, err)

	sig, err := ecdsa.ParseDERSignature(der)
	require.NoError(t, err)
	require.True(t, sig.Verify(hash[:], key.PublicKey))

	_, err = cs.SignHash(commandset.LastDerivedKey, hash[:16], nil)
	require.Error(t, err)
}

func TestSignHashRejects2FA(t *testing.T) {
	card, cs := newCard(t, emulator.With2FA())
	require.NoError(t, cs.VerifyPIN(testPIN))

	hash := sha256.Sum256([]byte("spend"))
	_, err := cs.SignHash(commandset.LastDerivedKey, hash[:], nil)
	var unsupported *commandset.UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	require.Zero(t, countIns(card.Received(), commandset.InsSignHash))
}

func TestSchnorrRequiresFirmware(t *testing.T) {
	card, cs := newCard(t, emulator.WithFirmware(0, 13))
	require.NoError(t, cs.VerifyPIN(testPIN))

	hash := sha256.Sum256([]byte("spend"))
	_, err := cs.SignSchnorrHash(commandset.LastDerivedKey, hash[:], nil)
	var unsupported *commandset.UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, commandset.Version{Major: 0, Minor: 13}, unsupported.Firmware)

	_, err = cs.TaprootTweakPrivateKey(commandset.LastDerivedKey, nil)
	require.ErrorAs(t, err, &unsupported)

	require.Zero(t, countIns(card.Received(), commandset.InsSignSchnorrHash))
	require.Zero(t, countIns(card.Received(), commandset.InsTaprootTweak))
}

func TestTaprootTweakAndSchnorrSign(t *testing.T) {
	_, cs := newCard(t)
	require.NoError(t, cs.VerifyPIN(testPIN))

	key, err := cs.GetExtendedKey(mustParse(t, "m/86'/0'/0'/0/0"))
	require.NoError(t, err)

	tweaked, err := cs.TaprootTweakPrivateKey(commandset.LastDerivedKey, nil)
	require.NoError(t, err)
	expected := txscript.ComputeTaprootKeyNoScript(key.PublicKey)
	require.Equal(t, schnorr.SerializePubKey(expected), schnorr.SerializePubKey(tweaked))

	hash := sha256.Sum256([]byte("taproot spend"))
	raw, err := cs.SignSchnorrHash(commandset.LastDerivedKey, hash[:], nil)
	require.NoError(t, err)
	require.Len(t, raw, commandset.SchnorrSignatureLength)

	sig, err := schnorr.ParseSignature(raw)
	require.NoError(t, err)
	require.True(t, sig.Verify(hash[:], expected))
}

func TestSetupAndImportSeed(t *testing.T) {
	card := emulator.New()
	cs := commandset.NewCommandSet(card)

	status, err := cs.GetStatus()
	require.NoError(t, err)
	require.False(t, status.SetupDone)
	require.False(t, status.NeedsSecureChannel)

	require.NoError(t, cs.Setup(testPIN, testPUK, commandset.DefaultPINTries, commandset.DefaultPUKTries))

	status, err = cs.GetStatus()
	require.NoError(t, err)
	require.True(t, status.SetupDone)
	require.True(t, status.NeedsSecureChannel)
	require.False(t, status.Seeded)
	require.Equal(t, uint8(commandset.DefaultPINTries), status.PINRemaining)

	require.NoError(t, cs.VerifyPIN(testPIN))
	require.Equal(t, commandset.ChannelEstablished, cs.ChannelState())

	authentikey, err := cs.ImportSeed(testSeed)
	require.NoError(t, err)
	require.True(t, authentikey.IsEqual(card.AuthentikeyPublic()))

	status, err = cs.GetStatus()
	require.NoError(t, err)
	require.True(t, status.Seeded)

	_, err = cs.ImportSeed(testSeed[:8])
	require.Error(t, err)

	require.NoError(t, cs.ResetSeed(testPIN))
	require.Nil(t, cs.Authentikey())
	status, err = cs.GetStatus()
	require.NoError(t, err)
	require.False(t, status.Seeded)
}

func TestPinnedAuthentikey(t *testing.T) {
	card, _ := newCard(t)

	cs := commandset.NewCommandSet(card, commandset.WithAuthentikey(card.AuthentikeyPublic()))
	require.NoError(t, cs.VerifyPIN(testPIN))
	_, err := cs.GetExtendedKey(mustParse(t, "m/84'/0'/0'"))
	require.NoError(t, err)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cs = commandset.NewCommandSet(card, commandset.WithAuthentikey(other.PubKey()))
	err = cs.VerifyPIN(testPIN)
	require.True(t, errors.Is(err, commandset.ErrKeyRecovery))
	require.Equal(t, commandset.ChannelNone, cs.ChannelState())
}

func TestChangePIN(t *testing.T) {
	_, cs := newCard(t)

	require.NoError(t, cs.ChangePIN(testPIN, "654321"))
	require.True(t, cs.PINVerified())

	require.NoError(t, cs.Logout())
	require.False(t, cs.PINVerified())

	require.Error(t, cs.VerifyPIN(testPIN))
	require.NoError(t, cs.VerifyPIN("654321"))
}

func TestDisconnectClearsSession(t *testing.T) {
	card, cs := newCard(t)
	require.NoError(t, cs.VerifyPIN(testPIN))

	require.NoError(t, cs.Disconnect())
	require.False(t, cs.PINVerified())
	require.Nil(t, cs.Status())
	require.Equal(t, commandset.ChannelNone, cs.ChannelState())
	require.Equal(t, 1, card.Disconnects())

	_, err := cs.GetExtendedKey(mustParse(t, "m/84'/0'/0'"))
	var authErr *commandset.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, commandset.PINRequired, authErr.Kind)
}

func TestOldFirmwareSkipsSecureChannel(t *testing.T) {
	card, cs := newCard(t, emulator.WithFirmware(0, 11))
	require.NoError(t, cs.Select())
	require.NoError(t, cs.VerifyPIN(testPIN))
	require.Zero(t, card.Handshakes())
	require.Equal(t, commandset.ChannelNone, cs.ChannelState())
}
