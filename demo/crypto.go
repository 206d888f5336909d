package demo

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sessionInfo = "conduit demo session v1"

type keyPair struct {
	private []byte
	public  []byte
}

func newKeyPair() (keyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return keyPair{}, errors.Wrap(err, "generate key")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return keyPair{}, errors.Wrap(err, "derive public key")
	}
	return keyPair{private: priv, public: pub}, nil
}

// sessionSecrets derives the serverbound and clientbound stream secrets
// from an X25519 exchange. Both ends pass the public keys in the same
// client, server order so they arrive at the same pair.
func sessionSecrets(priv, peer, clientPub, serverPub []byte) (serverbound, clientbound []byte, err error) {
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return nil, nil, errors.Wrap(err, "key agreement")
	}
	salt := make([]byte, 0, len(clientPub)+len(serverPub))
	salt = append(salt, clientPub...)
	salt = append(salt, serverPub...)
	r := hkdf.New(sha256.New, shared, salt, []byte(sessionInfo))
	serverbound = make([]byte, 32)
	clientbound = make([]byte, 32)
	if _, err := io.ReadFull(r, serverbound); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, clientbound); err != nil {
		return nil, nil, err
	}
	return serverbound, clientbound, nil
}
