// Package securechannel implements the authenticated-encryption layer that
// wraps command APDUs once a key exchange with the device has completed.
//
// Keys are agreed with ECDH on secp256k1. The x-coordinate of the shared
// point is expanded with HMAC-SHA1 into a 16 byte AES key and a 16 byte MAC
// key. Every payload travels as
//
//	IV(16) | len(2) | AES-128-CBC ciphertext | len(2) | HMAC-SHA1(20)
//
// where the last 4 bytes of the IV carry the sender's message counter.
package securechannel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
)

const (
	Cla        = 0xB0
	InsInit    = 0x81
	InsProcess = 0x82

	ivLength       = 16
	ivRandomLength = 12
	keyLength      = 16
	macLength      = 20
	prefixLength   = 2

	// Overhead is the envelope size minus the ciphertext.
	Overhead = ivLength + prefixLength + prefixLength + macLength

	HostCounterStart   uint32 = 1
	DeviceCounterStart uint32 = 2
	counterStep        uint32 = 2

	encryptionContext     = "sc_key"
	authenticationContext = "sc_mac"
)

// ErrSecureChannel is the only failure reported for verification problems,
// whatever the underlying cause.
var ErrSecureChannel = errors.New("secure channel required")

type Session struct {
	rand         io.Reader
	privateKey   *btcec.PrivateKey
	sharedSecret []byte
	encKey       []byte
	macKey       []byte
	counterStart uint32
	counter      uint32
	established  bool
}

type Option func(*Session)

func WithCounter(start uint32) Option {
	return func(s *Session) {
		s.counterStart = start
		s.counter = start
	}
}

func WithRandom(r io.Reader) Option {
	return func(s *Session) {
		s.rand = r
	}
}

// WithPrivateKey fixes the ephemeral key of the first handshake.
func WithPrivateKey(key *btcec.PrivateKey) Option {
	return func(s *Session) {
		s.privateKey = key
	}
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		rand:         rand.Reader,
		counterStart: HostCounterStart,
		counter:      HostCounterStart,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin returns the uncompressed ephemeral public key to send to the peer,
// generating a fresh key pair if the previous one was discarded.
func (s *Session) Begin() ([]byte, error) {
	if s.privateKey == nil {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate ephemeral key")
		}
		s.privateKey = key
	}
	return s.privateKey.PubKey().SerializeUncompressed(), nil
}

// Establish derives the session keys from the peer's ephemeral public key.
func (s *Session) Establish(peer *btcec.PublicKey) error {
	if s.privateKey == nil {
		return errors.New("handshake not started")
	}
	if peer == nil {
		return errors.New("missing peer public key")
	}

	s.sharedSecret = btcec.GenerateSharedSecret(s.privateKey, peer)
	s.encKey = deriveKey(s.sharedSecret, encryptionContext)
	s.macKey = deriveKey(s.sharedSecret, authenticationContext)
	s.counter = s.counterStart
	s.established = true

	return nil
}

func (s *Session) Established() bool {
	return s.established
}

// Counter is the value that will be embedded in the next IV.
func (s *Session) Counter() uint32 {
	return s.counter
}

// Reset discards every key, including the ephemeral key pair.
func (s *Session) Reset() {
	zero(s.sharedSecret)
	zero(s.encKey)
	zero(s.macKey)
	s.privateKey = nil
	s.sharedSecret = nil
	s.encKey = nil
	s.macKey = nil
	s.counter = s.counterStart
	s.established = false
}

func (s *Session) Encrypt(plain []byte) ([]byte, error) {
	if !s.established {
		return nil, ErrSecureChannel
	}

	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(s.rand, iv[:ivRandomLength]); err != nil {
		return nil, errors.Wrap(err, "failed to generate iv")
	}
	binary.BigEndian.PutUint32(iv[ivRandomLength:], s.counter)
	s.counter += counterStep

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}

	padded := pad(plain)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	buf := new(bytes.Buffer)
	buf.Write(iv)
	writeLength(buf, len(ciphertext))
	buf.Write(ciphertext)

	mac := s.mac(buf.Bytes())
	writeLength(buf, len(mac))
	buf.Write(mac)

	return buf.Bytes(), nil
}

// Decrypt verifies and opens an envelope. An empty payload is returned
// unchanged. A verification failure resets the session.
func (s *Session) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return envelope, nil
	}
	if !s.established {
		return nil, ErrSecureChannel
	}

	iv, ciphertext, mac, err := splitEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	authenticated := envelope[:ivLength+prefixLength+len(ciphertext)]
	if !hmac.Equal(mac, s.mac(authenticated)) {
		s.Reset()
		return nil, ErrSecureChannel
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, ok := unpad(plain)
	if !ok {
		s.Reset()
		return nil, ErrSecureChannel
	}

	return plain, nil
}

// IVCounter extracts the sender counter from an envelope.
func IVCounter(envelope []byte) (uint32, error) {
	if len(envelope) < ivLength {
		return 0, errors.Wrap(apdu.ErrMalformedResponse, "envelope shorter than iv")
	}
	return binary.BigEndian.Uint32(envelope[ivRandomLength:ivLength]), nil
}

// WrapCommand encrypts a framed command into a process-secure-channel
// command.
func (s *Session) WrapCommand(cmd *apdu.Command) (*apdu.Command, error) {
	raw, err := cmd.Serialize()
	if err != nil {
		return nil, err
	}

	envelope, err := s.Encrypt(raw)
	if err != nil {
		return nil, err
	}

	if len(envelope) > apdu.MaxDataLength {
		return nil, errors.Wrapf(apdu.ErrDataTooLong, "encrypted %s", cmd)
	}

	return apdu.NewCommand(Cla, InsProcess, 0x00, 0x00, envelope), nil
}

// UnwrapCommand is the device-side inverse of WrapCommand.
func (s *Session) UnwrapCommand(cmd *apdu.Command) (*apdu.Command, error) {
	if cmd.Ins != InsProcess {
		return nil, errors.Errorf("not an encrypted command: ins %#02x", cmd.Ins)
	}

	raw, err := s.Decrypt(cmd.Data)
	if err != nil {
		return nil, err
	}

	return apdu.ParseCommand(raw)
}

func (s *Session) mac(data []byte) []byte {
	h := hmac.New(sha1.New, s.macKey)
	h.Write(data)
	return h.Sum(nil)
}

func splitEnvelope(envelope []byte) (iv, ciphertext, mac []byte, err error) {
	if len(envelope) < Overhead {
		return nil, nil, nil, errors.Wrapf(apdu.ErrMalformedResponse, "envelope too short (%d bytes)", len(envelope))
	}

	iv = envelope[:ivLength]

	ctLen, err := apdu.BigEndianUint16(envelope, ivLength)
	if err != nil {
		return nil, nil, nil, err
	}

	offset := ivLength + prefixLength
	if len(envelope) != offset+ctLen+prefixLength+macLength {
		return nil, nil, nil, errors.Wrapf(apdu.ErrMalformedResponse, "declared ciphertext length %d does not match payload", ctLen)
	}
	if ctLen == 0 || ctLen%aes.BlockSize != 0 {
		return nil, nil, nil, errors.Wrapf(apdu.ErrMalformedResponse, "ciphertext length %d is not a block multiple", ctLen)
	}

	ciphertext = envelope[offset : offset+ctLen]
	offset += ctLen

	macLen, _ := apdu.BigEndianUint16(envelope, offset)
	if macLen != macLength {
		return nil, nil, nil, errors.Wrapf(apdu.ErrMalformedResponse, "unexpected mac length %d", macLen)
	}

	mac = envelope[offset+prefixLength:]
	return iv, ciphertext, mac, nil
}

func deriveKey(secret []byte, context string) []byte {
	h := hmac.New(sha1.New, secret)
	h.Write([]byte(context))
	return h.Sum(nil)[:keyLength]
}

func writeLength(buf *bytes.Buffer, n int) {
	var prefix [prefixLength]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(n))
	buf.Write(prefix[:])
}

// pad applies PKCS#7 padding to a full block boundary.
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
