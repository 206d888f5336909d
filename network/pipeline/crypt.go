package pipeline

import (
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// ErrStageReleased is returned by a cipher stage used after Release.
var ErrStageReleased = errors.New("cipher released")

const _cryptInfo = "conduit stream cipher v1"

// CryptStage applies a ChaCha20 key stream to every frame in place. It does
// not change frame length. The same secret produces the same key stream, so
// an encrypting stage on one end pairs with a decrypting stage built from the
// same secret on the other.
type CryptStage struct {
	name   string
	key    []byte
	nonce  []byte
	stream cipher.Stream
}

// NewCryptStage derives a key and nonce from secret with HKDF-SHA256.
func NewCryptStage(name string, secret []byte) (*CryptStage, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty cipher secret")
	}
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(_cryptInfo)), material); err != nil {
		return nil, errors.Wrap(err, "derive cipher key")
	}
	s := &CryptStage{
		name:  name,
		key:   material[:chacha20.KeySize],
		nonce: material[chacha20.KeySize:],
	}
	stream, err := chacha20.NewUnauthenticatedCipher(s.key, s.nonce)
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	s.stream = stream
	return s, nil
}

// NewDecryptStage builds the inbound cipher stage.
func NewDecryptStage(secret []byte) (*CryptStage, error) { return NewCryptStage(NameDecrypt, secret) }

// NewEncryptStage builds the outbound cipher stage.
func NewEncryptStage(secret []byte) (*CryptStage, error) { return NewCryptStage(NameEncrypt, secret) }

// Name returns NameEncrypt or NameDecrypt.
func (s *CryptStage) Name() string { return s.name }

// Process XORs the key stream into the frame in place.
func (s *CryptStage) Process(msg Message, emit Emit) error {
	if s.stream == nil {
		return Fatal(s.name, ErrStageReleased)
	}
	s.stream.XORKeyStream(msg.Frame, msg.Frame)
	return emit(msg)
}

// Release zeroes the key material and drops the cipher.
func (s *CryptStage) Release() {
	clear(s.key)
	clear(s.nonce)
	s.stream = nil
}
