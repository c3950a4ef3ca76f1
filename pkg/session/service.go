package session

import (
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/hsmcard/hsmcard-go/internal"
	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/emulator"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
	"github.com/hsmcard/hsmcard-go/pkg/pairing"
	"github.com/hsmcard/hsmcard-go/pkg/utils"
)

var (
	errHSMServiceNotStarted = errors.New("hsm service not started")
	errHSMServiceStarted    = errors.New("hsm service already started")
)

// Extended key version bytes by name.
var xpubVersions = map[string]uint32{
	"xpub": 0x0488b21e,
	"ypub": 0x049d7cb2,
	"zpub": 0x04b24746,
	"tpub": 0x043587cf,
	"upub": 0x044a5262,
	"vpub": 0x045f1cf6,
}

type HSMService struct {
	mu          sync.Mutex
	cardContext *internal.CardContext
	// Kept across restarts so an emulated device keeps its secrets.
	emulated    *emulator.Card
}

type StartRequest struct {
	StorageFilePath string `json:"storageFilePath"`
	Emulator        bool   `json:"emulator"`
	LogEnabled      bool   `json:"logEnabled"`
	LogFilePath     string `json:"logFilePath"`
}

func (s *HSMService) Start(args *StartRequest, reply *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cardContext != nil {
		return errHSMServiceStarted
	}

	opts := []internal.Option{internal.WithLogging(args.LogEnabled, args.LogFilePath)}

	var err error
	if !args.Emulator {
		s.cardContext, err = internal.NewCardContext(args.StorageFilePath, opts...)
		return err
	}

	if args.StorageFilePath != "" {
		store, err := pairing.NewStore(args.StorageFilePath)
		if err != nil {
			return errors.Wrap(err, "failed to create pairing store")
		}
		opts = append(opts, internal.WithStorage(store))
	}
	if s.emulated == nil {
		s.emulated = emulator.New()
	}

	s.cardContext, err = internal.NewEmulatedCardContext(s.emulated, opts...)
	return err
}

func (s *HSMService) Stop(args *struct{}, reply *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cardContext == nil {
		return errHSMServiceNotStarted
	}

	s.cardContext.Stop()
	s.cardContext = nil
	return nil
}

func (s *HSMService) started() (*internal.CardContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cardContext == nil {
		return nil, errHSMServiceNotStarted
	}
	return s.cardContext, nil
}

// GetStatus is mostly for debugging. The status is pushed with the
// `status-changed` signal.
func (s *HSMService) GetStatus(args *struct{}, reply *internal.Status) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	*reply = kc.GetStatus()
	return nil
}

type InitializeRequest struct {
	PIN string `json:"pin" validate:"required,min=4,max=16"`
	PUK string `json:"puk" validate:"required,min=4,max=16"`
}

func (s *HSMService) Initialize(args *InitializeRequest, reply *struct{}) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	return kc.Initialize(args.PIN, args.PUK)
}

type VerifyPINRequest struct {
	PIN string `json:"pin" validate:"required,max=16"`
}

type VerifyPINResponse struct {
	PINCorrect        bool `json:"pinCorrect"`
	RemainingAttempts int  `json:"remainingAttempts"`
}

// VerifyPIN reports a wrong PIN in the reply rather than as an error.
func (s *HSMService) VerifyPIN(args *VerifyPINRequest, reply *VerifyPINResponse) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	err = kc.VerifyPIN(args.PIN)
	var authErr *commandset.AuthorizationError
	if errors.As(err, &authErr) && authErr.Kind == commandset.WrongPIN {
		reply.RemainingAttempts = authErr.RemainingAttempts
		return nil
	}
	if err != nil {
		return err
	}

	reply.PINCorrect = true
	return nil
}

type ChangePINRequest struct {
	OldPIN string `json:"oldPin" validate:"required,max=16"`
	NewPIN string `json:"newPin" validate:"required,min=4,max=16"`
}

func (s *HSMService) ChangePIN(args *ChangePINRequest, reply *struct{}) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	return kc.ChangePIN(args.OldPIN, args.NewPIN)
}

type UnblockPINRequest struct {
	PUK string `json:"puk" validate:"required,max=16"`
}

func (s *HSMService) UnblockPIN(args *UnblockPINRequest, reply *struct{}) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	return kc.UnblockPIN(args.PUK)
}

type LoadMnemonicRequest struct {
	Mnemonic   string `json:"mnemonic" validate:"required,mnemonic"`
	Passphrase string `json:"passphrase"`
}

type LoadMnemonicResponse struct {
	Authentikey utils.HexString `json:"authentikey"`
}

func (s *HSMService) LoadMnemonic(args *LoadMnemonicRequest, reply *LoadMnemonicResponse) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	authentikey, err := kc.LoadMnemonic(args.Mnemonic, args.Passphrase)
	if err != nil {
		return err
	}

	reply.Authentikey = authentikey
	return nil
}

type GetXpubRequest struct {
	Path    string `json:"path" validate:"required,keypath"`
	Version string `json:"version" validate:"omitempty,oneof=xpub ypub zpub tpub upub vpub"`
}

type GetXpubResponse struct {
	Xpub string `json:"xpub"`
}

func (s *HSMService) GetXpub(args *GetXpubRequest, reply *GetXpubResponse) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	path, err := keypath.Parse(args.Path)
	if err != nil {
		return err
	}

	version := xpubVersions["xpub"]
	if args.Version != "" {
		version = xpubVersions[args.Version]
	}

	reply.Xpub, err = kc.GetXpub(path, version)
	return err
}

type SignHashRequest struct {
	Path    string          `json:"path" validate:"required,keypath"`
	Hash    utils.HexString `json:"hash" validate:"len=32"`
	// SigHash defaults to SIGHASH_ALL for ECDSA signatures.
	SigHash uint8           `json:"sighash"`
	Taproot bool            `json:"taproot"`
	Tweak   utils.HexString `json:"tweak" validate:"omitempty,len=32"`
}

type SignHashResponse struct {
	Signature utils.HexString `json:"signature"`
}

// SignHash returns a DER signature with the sighash byte appended, or a
// BIP340 signature by the taproot output key when Taproot is set.
func (s *HSMService) SignHash(args *SignHashRequest, reply *SignHashResponse) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	if err = validateRequest(args); err != nil {
		return err
	}

	path, err := keypath.Parse(args.Path)
	if err != nil {
		return err
	}

	if args.Taproot {
		reply.Signature, err = kc.SignTaproot(path, args.Hash, args.Tweak)
		return err
	}

	sighash := txscript.SigHashType(args.SigHash)
	if sighash == 0 {
		sighash = txscript.SigHashAll
	}

	reply.Signature, err = kc.SignHash(path, args.Hash, sighash)
	return err
}

func (s *HSMService) Logout(args *struct{}, reply *struct{}) error {
	kc, err := s.started()
	if err != nil {
		return err
	}

	return kc.Logout()
}
