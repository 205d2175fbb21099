package wire

// HelloMsg is the first cleartext handshake message (client -> server).
type HelloMsg struct {
	ClientPub [PubKeySize]byte
}

// HelloAckMsg is the server's cleartext reply: its X25519 public key plus
// its ML-KEM-768 encapsulation key (§4.9 ADDED hybrid leg).
type HelloAckMsg struct {
	ServerPub   [PubKeySize]byte
	KEMEncKey   [KEMEncKeySize]byte
}

// HelloConfirmMsg is the client's cleartext reply carrying the KEM
// ciphertext the server needs to decapsulate the PQ shared secret.
type HelloConfirmMsg struct {
	KEMCiphertext [KEMCiphertextSize]byte
}

// Plaintext is what lies inside a sealed envelope once opened: a
// direction tag, a correlation id (zero for events), an opcode, and an
// opcode-specific body.
type Plaintext struct {
	Dir    Direction
	CorrID uint32
	Op     Op
	Body   []byte
}
