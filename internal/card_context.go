package internal

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
	"github.com/hsmcard/hsmcard-go/pkg/keystore"
	"github.com/hsmcard/hsmcard-go/pkg/pairing"
	"github.com/hsmcard/hsmcard-go/signal"
)

const infiniteTimeout = -1
const zeroTimeout = 0
const pnpNotificationReader = `\\?PnP?\Notification`

// EmulatorReader is the reader name reported for an emulated device.
const EmulatorReader = "emulator"

var (
	errCardNotConnected = errors.New("card not connected")
)

// CardContext tracks the device in the first reader holding a card and
// exposes the keystore operations on it. Every status change is published
// as a signal.StatusChanged event.
type CardContext struct {
	mu           sync.Mutex
	pcsc         *pcscTransport
	shutdown     func()
	forceScan    bool // Needed to distinguish cardCtx.Cancel() from a real shutdown
	logger       *zap.Logger
	pairings     *pairing.Store
	status       *Status
	activeReader string
	keystore     *keystore.CardKeystore
}

func newCardContext(opts []Option) *CardContext {
	kc := &CardContext{
		logger: zap.L().Named("card"),
		status: NewStatus(),
	}
	for _, opt := range opts {
		opt(kc)
	}
	return kc
}

// NewCardContext starts watching the PC/SC readers. Authentikeys are
// pinned in the JSON file at pairingsStoreFilePath.
func NewCardContext(pairingsStoreFilePath string, opts ...Option) (*CardContext, error) {
	pairingsStore, err := pairing.NewStore(pairingsStoreFilePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pairing store")
	}

	kc := newCardContext(append([]Option{WithStorage(pairingsStore)}, opts...))

	kc.pcsc, err = newPCSCTransport()
	if err != nil {
		kc.logger.Error("failed to establish context", zap.Error(err))
		kc.status.State = NoPCSC
		kc.publishStatus()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	kc.shutdown = cancel
	kc.forceScan = false

	go kc.pcsc.run(ctx)
	kc.monitor()

	return kc, nil
}

// NewEmulatedCardContext drives device directly, as if it sat in a reader
// named EmulatorReader.
func NewEmulatedCardContext(device commandset.Transport, opts ...Option) (*CardContext, error) {
	kc := newCardContext(opts)

	kc.mu.Lock()
	defer kc.mu.Unlock()

	err := kc.connectCard(EmulatorReader, device)
	kc.publishStatus()
	if err != nil {
		return nil, err
	}
	return kc, nil
}

func (kc *CardContext) monitor() {
	if kc.pcsc == nil {
		panic("card context is nil")
	}

	logger := kc.logger.Named("monitor")

	go func() {
		defer logger.Debug("monitor stopped")
		// Stopped by cardCtx.Cancel()
		for {
			finish := kc.monitorRoutine(logger)
			if finish {
				return
			}
		}
	}()
}

func (kc *CardContext) monitorRoutine(logger *zap.Logger) bool {
	readers, err := kc.getCurrentReadersState()
	if err != nil {
		logger.Error("failed to get readers state", zap.Error(err))
		kc.mu.Lock()
		kc.status.Reset()
		kc.status.State = InternalError
		kc.publishStatus()
		kc.mu.Unlock()
		return false
	}

	logger.Debug("readers list updated", zap.Int("available", len(readers)))

	kc.mu.Lock()
	if readers.Empty() {
		kc.status.Reset()
		kc.status.State = WaitingForReader
		kc.publishStatus()
	}

	err = kc.scanReadersForCard(readers)
	kc.mu.Unlock()
	if err != nil {
		logger.Error("failed to check readers", zap.Error(err))
	}

	// The PnP pseudo reader wakes us up when a reader is plugged in.
	pnpReader := scard.ReaderState{
		Reader:       pnpNotificationReader,
		CurrentState: scard.StateUnaware,
	}
	rs := append(readers, pnpReader)

	err = kc.pcsc.cardCtx.GetStatusChange(rs, infiniteTimeout)
	if err == scard.ErrCancelled && !kc.forceScan {
		// Shutdown requested
		return true
	}
	if err != scard.ErrCancelled && err != nil {
		kc.logger.Error("failed to get status change", zap.Error(err))
		return false
	}

	return false
}

func (kc *CardContext) getCurrentReadersState() (ReadersStates, error) {
	names, err := kc.pcsc.cardCtx.ListReaders()
	if err == scard.ErrNoReadersAvailable {
		return ReadersStates{}, nil
	}
	if err != nil {
		return nil, err
	}

	rs := newReadersStates(names)
	if rs.Empty() {
		return rs, nil
	}

	err = kc.pcsc.cardCtx.GetStatusChange(rs, zeroTimeout)
	if err != nil {
		return nil, err
	}

	rs.Update()

	// A reader removed a moment ago can still be listed.
	return rs.Known(), nil
}

func (kc *CardContext) scanReadersForCard(readers ReadersStates) error {
	if !kc.forceScan &&
		kc.activeReader != "" &&
		readers.Contains(kc.activeReader) &&
		readers.ReaderHasCard(kc.activeReader) {
		return nil
	}

	if readers.Empty() {
		return nil
	}

	kc.forceScan = false
	kc.resetCardConnection(false)

	reader, ok := readers.FirstWithCard()
	if !ok {
		kc.logger.Debug("no card found on any readers")
		kc.status.Reset()
		kc.status.State = WaitingForCard
		kc.publishStatus()
		return nil
	}

	kc.logger.Debug("card found", zap.String("reader", reader))

	kc.status.Reset()
	kc.status.State = ConnectingCard
	kc.status.Reader = reader
	kc.publishStatus()

	if err := kc.pcsc.connect(reader); err != nil {
		kc.status.State = ConnectionError
		kc.publishStatus()
		return err
	}

	err := kc.connectCard(reader, kc.pcsc)
	kc.publishStatus()
	return err
}

// connectCard selects the applet on a freshly connected device and reads
// its status. The pinned authentikey of reader, if any, is enforced.
func (kc *CardContext) connectCard(reader string, transport commandset.Transport) error {
	ks, err := keystore.NewCardKeystore(transport, reader, kc.pairings,
		commandset.WithLogger(kc.logger.Named("commandset")))
	if err != nil {
		kc.status.State = InternalError
		return err
	}

	kc.activeReader = reader
	kc.status.Reader = reader

	if err = ks.Select(); err != nil {
		var deviceErr *commandset.DeviceError
		if errors.As(err, &deviceErr) {
			kc.status.State = NotHSMCard
			return errors.Wrap(err, "card is not an hsm card")
		}
		kc.status.State = ConnectionError
		return errors.Wrap(err, "failed to select applet")
	}

	kc.keystore = ks
	return kc.refreshStatus()
}

func (kc *CardContext) refreshStatus() error {
	status, err := kc.keystore.GetStatus()
	if err != nil {
		kc.status.State = ConnectionError
		return errors.Wrap(err, "failed to get status")
	}

	kc.status.CardStatus = status
	kc.status.PINVerified = kc.keystore.PINVerified()
	kc.status.State = stateOf(status, kc.status.PINVerified)
	return nil
}

func (kc *CardContext) resetCardConnection(forceRescan bool) {
	kc.logger.Debug("reset card connection")

	if kc.keystore != nil {
		if err := kc.keystore.Disconnect(); err != nil {
			kc.logger.Debug("disconnect failed", zap.Error(err))
		}
	}

	kc.activeReader = ""
	kc.keystore = nil

	// Cancelling wakes the monitor up so that it reconnects to the card.
	if forceRescan && kc.pcsc != nil {
		kc.forceScan = true
		err := kc.pcsc.cardCtx.Cancel()
		if err != nil {
			kc.logger.Error("failed to cancel context", zap.Error(err))
		}
	}
}

func (kc *CardContext) publishStatus() {
	status := *kc.status
	kc.logger.Info("status changed",
		zap.String("state", string(status.State)),
		zap.String("reader", status.Reader))
	signal.Send(signal.StatusChanged, status)
}

func (kc *CardContext) Stop() {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	kc.resetCardConnection(false)
	if kc.pcsc == nil {
		return
	}

	kc.forceScan = false
	err := kc.pcsc.cardCtx.Cancel()
	if err != nil {
		kc.logger.Error("failed to cancel context", zap.Error(err))
	}
	if kc.shutdown != nil {
		kc.shutdown()
	}
	kc.pcsc.release()
}

func (kc *CardContext) cardConnected() bool {
	return kc.keystore != nil
}

// checkCardError keeps the published status in line with the outcome of a
// command. PC/SC failures drop the connection and force a rescan.
func (kc *CardContext) checkCardError(err error, context string) error {
	if err == nil {
		if refreshErr := kc.refreshStatus(); refreshErr != nil {
			kc.logger.Error("status refresh failed", zap.String("context", context), zap.Error(refreshErr))
		}
		kc.publishStatus()
		return nil
	}

	if isSCardError(err) {
		kc.logger.Error("command failed, resetting connection",
			zap.String("context", context),
			zap.Error(err))
		kc.status.Reset()
		kc.status.State = ConnectionError
		kc.publishStatus()
		kc.resetCardConnection(true)
		return err
	}

	var authErr *commandset.AuthorizationError
	if errors.As(err, &authErr) {
		if refreshErr := kc.refreshStatus(); refreshErr == nil {
			kc.publishStatus()
		}
	}

	return err
}

func (kc *CardContext) GetStatus() Status {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	return *kc.status
}

// Initialize performs the one-time setup of an empty device.
func (kc *CardContext) Initialize(pin, puk string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return errCardNotConnected
	}

	err := kc.keystore.Setup(pin, puk)
	return kc.checkCardError(err, "Setup")
}

func (kc *CardContext) VerifyPIN(pin string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return errCardNotConnected
	}

	err := kc.keystore.VerifyPIN(pin)
	return kc.checkCardError(err, "VerifyPIN")
}

func (kc *CardContext) ChangePIN(oldPIN, newPIN string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return errCardNotConnected
	}

	err := kc.keystore.ChangePIN(oldPIN, newPIN)
	return kc.checkCardError(err, "ChangePIN")
}

func (kc *CardContext) UnblockPIN(puk string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return errCardNotConnected
	}

	err := kc.keystore.UnblockPIN(puk)
	return kc.checkCardError(err, "UnblockPIN")
}

// LoadMnemonic imports the BIP39 seed of mnemonic and returns the
// authentikey of the device.
func (kc *CardContext) LoadMnemonic(mnemonic, passphrase string) ([]byte, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return nil, errCardNotConnected
	}

	err := kc.keystore.ImportSeed(keystore.SeedFromMnemonic(mnemonic, passphrase))
	if err = kc.checkCardError(err, "LoadMnemonic"); err != nil {
		return nil, err
	}

	authentikey := kc.keystore.CommandSet().Authentikey()
	if authentikey == nil {
		return nil, nil
	}
	return authentikey.SerializeCompressed(), nil
}

func (kc *CardContext) GetXpub(path keypath.Path, version uint32) (string, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return "", errCardNotConnected
	}

	xpub, err := kc.keystore.GetXpub(path, version)
	if isSCardError(err) {
		return "", kc.checkCardError(err, "GetXpub")
	}
	return xpub, err
}

func (kc *CardContext) SignHash(path keypath.Path, hash []byte, sighash txscript.SigHashType) ([]byte, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return nil, errCardNotConnected
	}

	sig, err := kc.keystore.SignHash(path, hash, sighash)
	if isSCardError(err) {
		return nil, kc.checkCardError(err, "SignHash")
	}
	return sig, err
}

func (kc *CardContext) SignTaproot(path keypath.Path, hash, tweak []byte) ([]byte, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return nil, errCardNotConnected
	}

	sig, err := kc.keystore.SignTaproot(path, hash, tweak)
	if isSCardError(err) {
		return nil, kc.checkCardError(err, "SignTaproot")
	}
	return sig, err
}

func (kc *CardContext) Logout() error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.cardConnected() {
		return errCardNotConnected
	}

	err := kc.keystore.Logout()
	return kc.checkCardError(err, "Logout")
}
