package cryptobox

import (
	"math"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"chatroom/internal/protoerr"
)

// NonceDir tags which side of a session pair sealed a frame, per spec.md
// §4.2: "Nonces are 24-byte, composed as direction_tag || u64_counter ||
// zero_pad". It is distinct from wire.Direction (request/response/event),
// which lives inside the sealed plaintext.
type NonceDir uint8

// Both tags are non-zero, so the first byte of a sealed frame (this tag)
// never equals the 0x00 marker that flags a cleartext handshake datagram
// (wire.CleartextKind).
const (
	DirClientToServer NonceDir = 1
	DirServerToClient NonceDir = 2
)

// replayWindowSize is the width of the sliding acceptance window anchored
// at the highest accepted counter (spec.md §4.2: "64 entries").
const replayWindowSize = 64

// Envelope seals and opens frames for one side of one peer pair. A client
// session owns one Envelope per server connection; a server session owns
// one Envelope per connected peer.
type Envelope struct {
	key [KeySize]byte

	mu          sync.Mutex
	sendDir     NonceDir
	sendCounter uint64
	sendUsed    bool // true once sendCounter has sealed at least one frame

	recvDir  NonceDir
	recvMax  uint64
	recvSeen uint64 // bitmask; bit i => counter (recvMax - i) already accepted
	recvAny  bool   // true once at least one frame has been accepted
}

// NewEnvelope builds an envelope from a derived shared key. sendDir is the
// direction tag this side stamps on outgoing frames; the peer is assumed
// to use the other tag for its own outgoing frames.
func NewEnvelope(key [KeySize]byte, sendDir NonceDir) *Envelope {
	recvDir := DirServerToClient
	if sendDir == DirServerToClient {
		recvDir = DirClientToServer
	}
	return &Envelope{key: key, sendDir: sendDir, recvDir: recvDir}
}

func buildNonce(dir NonceDir, counter uint64) [24]byte {
	var n [24]byte
	n[0] = byte(dir)
	n[1] = byte(counter >> 56)
	n[2] = byte(counter >> 48)
	n[3] = byte(counter >> 40)
	n[4] = byte(counter >> 32)
	n[5] = byte(counter >> 24)
	n[6] = byte(counter >> 16)
	n[7] = byte(counter >> 8)
	n[8] = byte(counter)
	// bytes 9..23 remain zero (zero_pad)
	return n
}

// Seal authenticated-encrypts plaintext under the next send nonce. The
// returned datagram is the full post-handshake wire frame: nonce(24) ||
// ciphertext (spec.md §6).
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sendUsed && e.sendCounter == math.MaxUint64 {
		return nil, protoerr.New(protoerr.KindNonceExhausted, "send counter wrapped, rehandshake required")
	}
	counter := e.sendCounter
	if e.sendUsed {
		counter = e.sendCounter + 1
	}
	nonce := buildNonce(e.sendDir, counter)

	out := make([]byte, 24, 24+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	out = secretbox.Seal(out, plaintext, &nonce, &e.key)

	e.sendCounter = counter
	e.sendUsed = true
	return out, nil
}

// Open authenticates and decrypts a post-handshake datagram, enforcing the
// replay window. A failure (bad MAC, or replay) returns an error and must
// not mutate any other session state (spec.md §4.12).
func (e *Envelope) Open(datagram []byte) ([]byte, error) {
	if len(datagram) < 24+secretbox.Overhead {
		return nil, protoerr.New(protoerr.KindMalformedFrame, "datagram shorter than nonce+tag")
	}
	var nonce [24]byte
	copy(nonce[:], datagram[:24])
	if NonceDir(nonce[0]) != e.recvDir {
		return nil, protoerr.New(protoerr.KindMalformedFrame, "unexpected nonce direction tag")
	}
	counter := nonceCounter(nonce)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recvAny && e.recvMax >= replayWindowSize && counter <= e.recvMax-replayWindowSize {
		return nil, protoerr.New(protoerr.KindReplayRejected, "nonce below replay window")
	}
	if e.recvAny && counter <= e.recvMax {
		bit := e.recvMax - counter
		if bit < 64 && e.recvSeen&(1<<bit) != 0 {
			return nil, protoerr.New(protoerr.KindReplayRejected, "nonce already seen")
		}
	}

	plaintext, ok := secretbox.Open(nil, datagram[24:], &nonce, &e.key)
	if !ok {
		return nil, protoerr.New(protoerr.KindAuthFailure, "MAC verification failed")
	}

	switch {
	case !e.recvAny:
		e.recvMax = counter
		e.recvSeen = 1
		e.recvAny = true
	case counter > e.recvMax:
		shift := counter - e.recvMax
		if shift >= 64 {
			e.recvSeen = 0
		} else {
			e.recvSeen <<= shift
		}
		e.recvSeen |= 1
		e.recvMax = counter
	default:
		bit := e.recvMax - counter
		e.recvSeen |= 1 << bit
	}
	return plaintext, nil
}

func nonceCounter(nonce [24]byte) uint64 {
	return uint64(nonce[1])<<56 | uint64(nonce[2])<<48 | uint64(nonce[3])<<40 | uint64(nonce[4])<<32 |
		uint64(nonce[5])<<24 | uint64(nonce[6])<<16 | uint64(nonce[7])<<8 | uint64(nonce[8])
}
