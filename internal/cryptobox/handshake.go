// Package cryptobox implements the handshake and authenticated envelope
// described in spec.md §4.2 and §4.9: an X25519 key exchange hybridized
// with an ML-KEM-768 encapsulation (§4.2 ADDED), combined into a single
// NaCl secretbox key, and a sliding-window nonce discipline that rejects
// replays.
package cryptobox

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived shared-key length used by the envelope.
const KeySize = 32

// Keypair is an ephemeral X25519 keypair, generated fresh per session
// (spec.md §3 PeerKey: "Each side generates a fresh ephemeral keypair per
// session").
type Keypair struct {
	Priv [32]byte
	Pub  [32]byte
}

// GenerateKeypair creates a fresh X25519 keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Priv[:]); err != nil {
		return Keypair{}, err
	}
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, err
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

// KEMKeypair is the server's ML-KEM-768 encapsulation/decapsulation pair,
// generated fresh per session alongside the X25519 keypair.
type KEMKeypair struct {
	EncKey []byte
	Decap  *mlkem768.DecapsulationKey
}

// GenerateKEMKeypair creates a fresh ML-KEM-768 keypair.
func GenerateKEMKeypair() (KEMKeypair, error) {
	decap, err := mlkem768.GenerateKey()
	if err != nil {
		return KEMKeypair{}, err
	}
	return KEMKeypair{EncKey: decap.EncapsulationKey(), Decap: decap}, nil
}

// ClientEncapsulate produces a shared secret and ciphertext against the
// server's published encapsulation key (handshake step between HelloAck
// and HelloConfirm, spec.md §4.9 ADDED).
func ClientEncapsulate(serverEncKey []byte) (sharedSecret, ciphertext []byte, err error) {
	ciphertext, sharedSecret, err = mlkem768.Encapsulate(serverEncKey)
	return
}

// ServerDecapsulate recovers the shared secret from the client's
// HelloConfirm ciphertext.
func ServerDecapsulate(decap *mlkem768.DecapsulationKey, ciphertext []byte) ([]byte, error) {
	return mlkem768.Decapsulate(decap, ciphertext)
}

// x25519Shared computes the ECDH shared point between a local private key
// and a peer's public key.
func x25519Shared(priv, peerPub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], peerPub[:])
}

// DeriveSharedKey combines the X25519 ECDH output and the ML-KEM-768
// shared secret into the 32-byte key used by the envelope (spec.md §4.2
// ADDED: "HKDF-SHA256(x25519_shared || mlkem_shared)").
func DeriveSharedKey(x25519Priv, peerX25519Pub [32]byte, kemShared []byte) ([KeySize]byte, error) {
	ecdh, err := x25519Shared(x25519Priv, peerX25519Pub)
	if err != nil {
		return [KeySize]byte{}, err
	}
	transcript := append(append([]byte{}, ecdh...), kemShared...)
	r := hkdf.New(sha256.New, transcript, nil, []byte("chatroom-session-key-v1"))
	var key [KeySize]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return [KeySize]byte{}, err
	}
	return key, nil
}
