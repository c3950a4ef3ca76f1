package emulator

import (
	"bytes"
	"crypto/subtle"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
)

func ok(data []byte) *apdu.Response {
	return apdu.NewResponse(data, commandset.SwOK)
}

func fail(sw uint16) *apdu.Response {
	return apdu.NewResponse(nil, sw)
}

func (c *Card) handle(cmd *apdu.Command) *apdu.Response {
	c.received = append(c.received, cmd)
	c.logger.Debug("handling command", zap.Stringer("command", cmd))

	for _, fault := range c.faults {
		if sw, hit := fault(cmd); hit {
			return fail(sw)
		}
	}

	if cmd.Ins == commandset.InsSetup {
		return c.setup(cmd)
	}
	if !c.setupDone {
		return fail(commandset.SwSetupNotDone)
	}

	switch cmd.Ins {
	case commandset.InsVerifyPIN:
		return c.verifyPIN(cmd.Data)
	case commandset.InsChangePIN:
		return c.changePIN(cmd.Data)
	case commandset.InsUnblockPIN:
		return c.unblockPIN(cmd.Data)
	case commandset.InsLogoutAll:
		c.loggedIn = false
		return ok(nil)
	case commandset.InsGetAuthentikey:
		return ok(signedKey(nil, c.authentikey, c.authentikey))
	case commandset.InsResetSeed:
		return c.resetSeed(cmd)
	}

	if !c.loggedIn {
		return fail(commandset.SwPINRequired)
	}

	switch cmd.Ins {
	case commandset.InsImportSeed:
		return c.importSeed(cmd)
	case commandset.InsGetExtendedKey:
		return c.extendedKey(cmd)
	case commandset.InsSignHash:
		return c.signHash(cmd)
	case commandset.InsSignSchnorrHash:
		return c.signSchnorr(cmd)
	case commandset.InsTaprootTweak:
		return c.taprootTweak(cmd)
	}

	return fail(commandset.SwInsNotSupported)
}

func (c *Card) setup(cmd *apdu.Command) *apdu.Response {
	if c.setupDone {
		return fail(swSetupAlreadyDone)
	}

	r := bytes.NewReader(cmd.Data)
	defaultPIN, okDefault := readPrefixed(r)
	pinTries, errTries := r.ReadByte()
	pukTries, errPUKTries := r.ReadByte()
	pin, okPIN := readPrefixed(r)
	puk, okPUK := readPrefixed(r)
	if !okDefault || !okPIN || !okPUK || errTries != nil || errPUKTries != nil {
		return fail(commandset.SwInvalidParameter)
	}
	if !bytes.Equal(defaultPIN, commandset.DefaultSetupPIN) {
		return fail(commandset.SwWrongPINPrefix)
	}

	c.pin, c.puk = pin, puk
	c.pinTries, c.pinRemaining = pinTries, pinTries
	c.pukTries, c.pukRemaining = pukTries, pukTries
	c.setupDone = true

	return ok(nil)
}

func (c *Card) wrongPIN() *apdu.Response {
	if c.pinRemaining > 0 {
		c.pinRemaining--
	}
	c.loggedIn = false

	if c.legacyPIN {
		return fail(commandset.SwLegacyWrongPIN)
	}
	return fail(commandset.SwWrongPINPrefix | uint16(c.pinRemaining))
}

func (c *Card) checkPIN(pin []byte) (*apdu.Response, bool) {
	if c.pinRemaining == 0 {
		return fail(commandset.SwBlocked), false
	}
	if subtle.ConstantTimeCompare(pin, c.pin) != 1 {
		return c.wrongPIN(), false
	}
	c.pinRemaining = c.pinTries
	return nil, true
}

func (c *Card) verifyPIN(pin []byte) *apdu.Response {
	if resp, valid := c.checkPIN(pin); !valid {
		return resp
	}
	c.loggedIn = true
	return ok(nil)
}

func (c *Card) changePIN(data []byte) *apdu.Response {
	r := bytes.NewReader(data)
	oldPIN, okOld := readPrefixed(r)
	newPIN, okNew := readPrefixed(r)
	if !okOld || !okNew || len(newPIN) == 0 {
		return fail(commandset.SwInvalidParameter)
	}

	if resp, valid := c.checkPIN(oldPIN); !valid {
		return resp
	}

	c.pin = newPIN
	c.loggedIn = true
	return ok(nil)
}

func (c *Card) unblockPIN(puk []byte) *apdu.Response {
	if c.pukRemaining == 0 {
		return fail(commandset.SwBlocked)
	}
	if subtle.ConstantTimeCompare(puk, c.puk) != 1 {
		c.pukRemaining--
		return fail(commandset.SwWrongPINPrefix | uint16(c.pukRemaining))
	}

	c.pinRemaining = c.pinTries
	c.pukRemaining = c.pukTries
	return ok(nil)
}

func (c *Card) importSeed(cmd *apdu.Command) *apdu.Response {
	if c.master != nil {
		return fail(commandset.SwSeedAlreadyInitialized)
	}

	seed := cmd.Data
	if int(cmd.P1) != len(seed) || len(seed) < commandset.MinSeedLength || len(seed) > commandset.MaxSeedLength {
		return fail(commandset.SwInvalidParameter)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return fail(commandset.SwInvalidParameter)
	}

	c.master = master
	return ok(signedKey(nil, c.authentikey, c.authentikey))
}

func (c *Card) resetSeed(cmd *apdu.Command) *apdu.Response {
	if int(cmd.P1) != len(cmd.Data) {
		return fail(commandset.SwInvalidParameter)
	}
	if resp, valid := c.checkPIN(cmd.Data); !valid {
		return resp
	}

	c.master = nil
	c.lastDerived = nil
	c.cache = make(map[string]*hdkeychain.ExtendedKey)
	return ok(nil)
}

func (c *Card) extendedKey(cmd *apdu.Command) *apdu.Response {
	if c.master == nil {
		return fail(commandset.SwSeedNotInitialized)
	}

	path, err := keypath.FromBytes(cmd.Data)
	if err != nil || path.Depth() != int(cmd.P1) {
		return fail(commandset.SwInvalidParameter)
	}

	switch cmd.P2 {
	case commandset.ExtendedKeyOptions:
	case commandset.ExtendedKeyOptionsFlush:
		c.cache = make(map[string]*hdkeychain.ExtendedKey)
	default:
		return fail(commandset.SwInvalidParameter)
	}

	node, sw := c.derive(path)
	if sw != commandset.SwOK {
		return fail(sw)
	}

	priv, err := node.ECPrivKey()
	if err != nil {
		return fail(commandset.SwInvalidParameter)
	}
	c.lastDerived = priv

	data := signedKey(node.ChainCode(), priv, priv)
	data = appendSignature(data, c.authentikey)

	return ok(data)
}

func (c *Card) signHash(cmd *apdu.Command) *apdu.Response {
	priv, resp := c.signingKey(cmd)
	if resp != nil {
		return resp
	}

	return ok(c.signECDSA(priv, cmd.Data[:commandset.HashLength]))
}

func (c *Card) signSchnorr(cmd *apdu.Command) *apdu.Response {
	if !c.firmware.AtLeast(commandset.MinSchnorrVersion) {
		return fail(commandset.SwInsNotSupported)
	}

	priv, resp := c.signingKey(cmd)
	if resp != nil {
		return resp
	}

	sig, err := schnorr.Sign(priv, cmd.Data[:commandset.HashLength])
	if err != nil {
		return fail(commandset.SwInvalidParameter)
	}

	return ok(sig.Serialize())
}

// signingKey checks a signing request and returns the last derived key.
func (c *Card) signingKey(cmd *apdu.Command) (*btcec.PrivateKey, *apdu.Response) {
	if c.master == nil {
		return nil, fail(commandset.SwSeedNotInitialized)
	}
	if cmd.P1 != commandset.LastDerivedKey || c.lastDerived == nil {
		return nil, fail(commandset.SwInvalidParameter)
	}

	switch len(cmd.Data) {
	case commandset.HashLength:
		if c.needs2FA {
			return nil, fail(swCommandNotAllowed)
		}
	case commandset.HashLength + commandset.ChallengeResponseLength:
	default:
		return nil, fail(commandset.SwInvalidParameter)
	}

	return c.lastDerived, nil
}

func (c *Card) taprootTweak(cmd *apdu.Command) *apdu.Response {
	if !c.firmware.AtLeast(commandset.MinSchnorrVersion) {
		return fail(commandset.SwInsNotSupported)
	}
	if cmd.P1 != commandset.LastDerivedKey || c.lastDerived == nil {
		return fail(commandset.SwInvalidParameter)
	}
	if len(cmd.Data) != commandset.TweakLength {
		return fail(commandset.SwInvalidParameter)
	}

	var scriptRoot []byte
	if !isZero(cmd.Data) {
		scriptRoot = cmd.Data
	}

	c.lastDerived = txscript.TweakTaprootPrivKey(*c.lastDerived, scriptRoot)

	pub := c.lastDerived.PubKey().SerializeCompressed()
	data := append([]byte{0x00, byte(len(pub))}, pub...)

	return ok(data)
}

func readPrefixed(r *bytes.Reader) ([]byte, bool) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, false
	}

	out := make([]byte, n)
	if read, _ := r.Read(out); read != int(n) {
		return nil, false
	}
	return out, true
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
