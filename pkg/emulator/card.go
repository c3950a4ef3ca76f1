// Package emulator is a software device speaking the same wire protocol as
// the applet. It backs the tests and the server's -emulator mode.
package emulator

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/securechannel"
)

const (
	swCommandNotAllowed uint16 = 0x6986
	swSetupAlreadyDone  uint16 = 0x9C07

	defaultCacheSize = 32
)

var secureChannelVersion = commandset.Version{Major: 0, Minor: 12}

// Fault lets a test answer a command with an arbitrary status word. It is
// called with the decrypted command; returning false lets the command
// through.
type Fault func(cmd *apdu.Command) (uint16, bool)

type Card struct {
	mu     sync.Mutex
	logger *zap.Logger

	protocol commandset.Version
	firmware commandset.Version

	setupDone    bool
	wantsChannel bool
	legacyPIN    bool
	needs2FA     bool
	highS        bool
	pin          []byte
	puk          []byte
	pinTries     uint8
	pukTries     uint8
	pinRemaining uint8
	pukRemaining uint8
	loggedIn     bool
	authentikey  *btcec.PrivateKey
	channel      *securechannel.Session
	master       *hdkeychain.ExtendedKey
	cache        map[string]*hdkeychain.ExtendedKey
	cacheSize    int
	lastDerived  *btcec.PrivateKey
	faults       []Fault
	handshakes   int
	received     []*apdu.Command
	disconnects  int
}

type Option func(*Card)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Card) {
		c.logger = logger
	}
}

func WithFirmware(major, minor uint8) Option {
	return func(c *Card) {
		c.firmware = commandset.Version{Major: major, Minor: minor}
	}
}

// WithSecureChannel controls whether a set up device insists on the secure
// channel. It only applies to firmware 0.12 and newer.
func WithSecureChannel(enabled bool) Option {
	return func(c *Card) {
		c.wantsChannel = enabled
	}
}

// WithSetup skips the setup command.
func WithSetup(pin, puk string, tries uint8) Option {
	return func(c *Card) {
		c.setupDone = true
		c.pin = []byte(pin)
		c.puk = []byte(puk)
		c.pinTries, c.pinRemaining = tries, tries
		c.pukTries, c.pukRemaining = tries, tries
	}
}

// WithSeed imports a BIP32 seed at construction.
func WithSeed(seed []byte) Option {
	return func(c *Card) {
		master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
		if err != nil {
			panic(err)
		}
		c.master = master
	}
}

func WithAuthentikey(key *btcec.PrivateKey) Option {
	return func(c *Card) {
		c.authentikey = key
	}
}

// WithLegacyWrongPIN reports wrong PINs with 0x9C02 instead of 0x63Cx.
func WithLegacyWrongPIN() Option {
	return func(c *Card) {
		c.legacyPIN = true
	}
}

func With2FA() Option {
	return func(c *Card) {
		c.needs2FA = true
	}
}

// WithCacheSize bounds the number of derived nodes the device keeps.
func WithCacheSize(n int) Option {
	return func(c *Card) {
		c.cacheSize = n
	}
}

// WithHighS makes ECDSA signatures use the high S form.
func WithHighS() Option {
	return func(c *Card) {
		c.highS = true
	}
}

func WithFault(f Fault) Option {
	return func(c *Card) {
		c.faults = append(c.faults, f)
	}
}

func New(opts ...Option) *Card {
	c := &Card{
		logger:       zap.L().Named("emulator"),
		protocol:     commandset.Version{Major: 0, Minor: 1},
		firmware:     commandset.Version{Major: 0, Minor: 14},
		wantsChannel: true,
		cache:        make(map[string]*hdkeychain.ExtendedKey),
		cacheSize:    defaultCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.authentikey == nil {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			panic(err)
		}
		c.authentikey = key
	}

	return c
}

// Transmit processes one raw command APDU.
func (c *Card) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		c.logger.Debug("unparsable command", zap.Error(err))
		return apdu.NewResponse(nil, commandset.SwWrongLength).Serialize(), nil
	}

	return c.handleOuter(cmd).Serialize(), nil
}

// Disconnect drops the login and the secure channel, like removing the
// card from the reader.
func (c *Card) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnects++
	c.resetVolatile()
	return nil
}

func (c *Card) Handshakes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakes
}

func (c *Card) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Received lists the INS of every command after decryption.
func (c *Card) Received() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uint8, len(c.received))
	for i, cmd := range c.received {
		out[i] = cmd.Ins
	}
	return out
}

func (c *Card) PINRemaining() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinRemaining
}

func (c *Card) AuthentikeyPublic() *btcec.PublicKey {
	return c.authentikey.PubKey()
}

func (c *Card) Status() *commandset.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

func (c *Card) status() *commandset.Status {
	return &commandset.Status{
		Protocol:           c.protocol,
		Firmware:           c.firmware,
		PINRemaining:       c.pinRemaining,
		PUKRemaining:       c.pukRemaining,
		Needs2FA:           c.needs2FA,
		Seeded:             c.master != nil,
		SetupDone:          c.setupDone,
		NeedsSecureChannel: c.requiresChannel(),
	}
}

func (c *Card) requiresChannel() bool {
	return c.setupDone && c.wantsChannel && c.firmware.AtLeast(secureChannelVersion)
}

func (c *Card) resetVolatile() {
	c.loggedIn = false
	c.lastDerived = nil
	if c.channel != nil {
		c.channel.Reset()
		c.channel = nil
	}
}

func (c *Card) handleOuter(cmd *apdu.Command) *apdu.Response {
	if cmd.Cla == commandset.ClaISO && cmd.Ins == commandset.InsSelect {
		c.received = append(c.received, cmd)
		if !bytes.Equal(cmd.Data, commandset.AppletAID) {
			return apdu.NewResponse(nil, commandset.SwFileNotFound)
		}
		c.resetVolatile()
		return apdu.NewResponse(nil, commandset.SwOK)
	}

	switch cmd.Ins {
	case commandset.InsGetStatus:
		c.received = append(c.received, cmd)
		if !c.setupDone {
			return apdu.NewResponse(nil, commandset.SwSetupNotDone)
		}
		return apdu.NewResponse(c.status().Serialize(), commandset.SwOK)

	case commandset.InsInitSecureChannel:
		c.received = append(c.received, cmd)
		return c.initSecureChannel(cmd)

	case commandset.InsProcessSecureChannel:
		return c.processSecureChannel(cmd)
	}

	if c.requiresChannel() {
		c.received = append(c.received, cmd)
		return apdu.NewResponse(nil, commandset.SwSecureChannelRequired)
	}

	return c.handle(cmd)
}

func (c *Card) initSecureChannel(cmd *apdu.Command) *apdu.Response {
	hostKey, err := btcec.ParsePubKey(cmd.Data)
	if err != nil {
		return apdu.NewResponse(nil, commandset.SwInvalidParameter)
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return apdu.NewResponse(nil, commandset.SwInvalidParameter)
	}

	channel := securechannel.NewSession(
		securechannel.WithCounter(securechannel.DeviceCounterStart),
		securechannel.WithPrivateKey(ephemeral))
	if _, err := channel.Begin(); err != nil {
		return apdu.NewResponse(nil, commandset.SwInvalidParameter)
	}
	if err := channel.Establish(hostKey); err != nil {
		return apdu.NewResponse(nil, commandset.SwInvalidParameter)
	}

	if c.channel != nil {
		c.channel.Reset()
	}
	c.channel = channel
	c.handshakes++

	data := signedKey(nil, ephemeral, ephemeral)
	data = appendSignature(data, c.authentikey)

	return apdu.NewResponse(data, commandset.SwOK)
}

func (c *Card) processSecureChannel(cmd *apdu.Command) *apdu.Response {
	if c.channel == nil || !c.channel.Established() {
		c.received = append(c.received, cmd)
		return apdu.NewResponse(nil, commandset.SwSecureChannelUninitialized)
	}

	inner, err := c.channel.UnwrapCommand(cmd)
	if err != nil {
		c.received = append(c.received, cmd)
		c.channel = nil
		return apdu.NewResponse(nil, commandset.SwSecureChannelWrongMAC)
	}

	resp := c.handle(inner)
	if len(resp.Data) == 0 {
		return resp
	}

	envelope, err := c.channel.Encrypt(resp.Data)
	if err != nil {
		return apdu.NewResponse(nil, commandset.SwSecureChannelUninitialized)
	}

	return apdu.NewResponse(envelope, resp.Sw())
}
