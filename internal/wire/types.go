// Package wire encodes and decodes the datagram frames exchanged between
// chatroom client and server: the cleartext handshake messages and the
// sealed request/response/event envelopes that follow them.
package wire

// Direction tags the first byte of plaintext carried inside a sealed frame.
type Direction uint8

const (
	DirRequest  Direction = 0
	DirResponse Direction = 1
	DirEvent    Direction = 2
)

// Op identifies the opcode-specific payload of a plaintext frame.
type Op uint8

const (
	OpLogin          Op = 0x10
	OpRegister       Op = 0x11
	OpLogout         Op = 0x12
	OpChangePassword Op = 0x13

	OpSay         Op = 0x20
	OpGetChats    Op = 0x21
	OpGetUsers    Op = 0x22
	OpFetchStatus Op = 0x23

	OpHeartbeat Op = 0x30

	OpEventOnline        Op = 0x40
	OpEventOffline       Op = 0x41
	OpEventNewMsg        Op = 0x42
	OpEventUsersUpdated  Op = 0x43
)

// CleartextTag is the marker byte preceding the handshake messages, or the
// 0x00 marker that flags a datagram as cleartext rather than sealed.
type CleartextTag uint8

const (
	TagSealed       CleartextTag = 0x00
	TagHello        CleartextTag = 0x01
	TagHelloAck     CleartextTag = 0x02
	TagHelloConfirm CleartextTag = 0x03
)

// MaxFrameSize bounds a single UDP datagram payload (§4.1 default 64KiB).
const MaxFrameSize = 64 * 1024

// PubKeySize is the X25519 public key length.
const PubKeySize = 32

// KEMEncKeySize and KEMCiphertextSize are ML-KEM-768 sizes (§6 ADDED).
const (
	KEMEncKeySize     = 1184
	KEMCiphertextSize = 1088
)

// NonceSize is the NaCl secretbox nonce length used by the crypto envelope.
const NonceSize = 24
