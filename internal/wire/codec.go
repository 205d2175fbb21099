package wire

import (
	"encoding/binary"
	"fmt"
)

// ErrTruncated flags a datagram too short to contain a declared field.
var ErrTruncated = fmt.Errorf("wire: truncated frame")

// ErrTooLarge flags a length prefix exceeding MaxFrameSize.
var ErrTooLarge = fmt.Errorf("wire: length prefix exceeds maximum")

// ErrUnknownTag flags a cleartext discriminant byte the decoder doesn't know.
var ErrUnknownTag = fmt.Errorf("wire: unknown cleartext tag")

// ErrTooManyEntries flags a declared element count too large to be a
// genuine chat-entry or roster list for a single MaxFrameSize datagram.
var ErrTooManyEntries = fmt.Errorf("wire: element count exceeds maximum")

// MaxWireEntries bounds the element count a single DecodeChatEntries or
// DecodeUserInfos call will allocate for, so a crafted frame claiming a
// huge uint32 count can't force a multi-GB allocation before the short
// read is even detected.
const MaxWireEntries = 256

// EncodeHello serializes a Hello handshake message.
func EncodeHello(m HelloMsg) []byte {
	b := make([]byte, 0, 2+PubKeySize)
	b = append(b, 0x00, byte(TagHello))
	b = append(b, m.ClientPub[:]...)
	return b
}

// DecodeHello parses the body following the 0x00 marker and 0x01 sub-tag.
func DecodeHello(body []byte) (HelloMsg, error) {
	if len(body) != PubKeySize {
		return HelloMsg{}, ErrTruncated
	}
	var m HelloMsg
	copy(m.ClientPub[:], body)
	return m, nil
}

// EncodeHelloAck serializes a HelloAck handshake message.
func EncodeHelloAck(m HelloAckMsg) []byte {
	b := make([]byte, 0, 2+PubKeySize+KEMEncKeySize)
	b = append(b, 0x00, byte(TagHelloAck))
	b = append(b, m.ServerPub[:]...)
	b = append(b, m.KEMEncKey[:]...)
	return b
}

// DecodeHelloAck parses the body following the 0x00/0x02 tags.
func DecodeHelloAck(body []byte) (HelloAckMsg, error) {
	if len(body) != PubKeySize+KEMEncKeySize {
		return HelloAckMsg{}, ErrTruncated
	}
	var m HelloAckMsg
	copy(m.ServerPub[:], body[:PubKeySize])
	copy(m.KEMEncKey[:], body[PubKeySize:])
	return m, nil
}

// EncodeHelloConfirm serializes the client's PQ confirmation message.
func EncodeHelloConfirm(m HelloConfirmMsg) []byte {
	b := make([]byte, 0, 2+KEMCiphertextSize)
	b = append(b, 0x00, byte(TagHelloConfirm))
	b = append(b, m.KEMCiphertext[:]...)
	return b
}

// DecodeHelloConfirm parses the body following the 0x00/0x03 tags.
func DecodeHelloConfirm(body []byte) (HelloConfirmMsg, error) {
	if len(body) != KEMCiphertextSize {
		return HelloConfirmMsg{}, ErrTruncated
	}
	var m HelloConfirmMsg
	copy(m.KEMCiphertext[:], body)
	return m, nil
}

// CleartextKind classifies a raw datagram believed to carry a cleartext
// handshake message. ok is false if the datagram is not tagged 0x00, in
// which case the caller should treat it as a sealed frame instead.
func CleartextKind(datagram []byte) (tag CleartextTag, body []byte, ok bool) {
	if len(datagram) < 2 || datagram[0] != byte(TagSealed) {
		return 0, nil, false
	}
	return CleartextTag(datagram[1]), datagram[2:], true
}

// EncodePlaintext serializes the direction, correlation id, opcode, and
// body that make up the contents of a sealed envelope.
func EncodePlaintext(p Plaintext) []byte {
	b := make([]byte, 6+len(p.Body))
	b[0] = byte(p.Dir)
	binary.BigEndian.PutUint32(b[1:5], p.CorrID)
	b[5] = byte(p.Op)
	copy(b[6:], p.Body)
	return b
}

// DecodePlaintext parses the bytes produced by EncodePlaintext.
func DecodePlaintext(data []byte) (Plaintext, error) {
	if len(data) < 6 {
		return Plaintext{}, ErrTruncated
	}
	return Plaintext{
		Dir:    Direction(data[0]),
		CorrID: binary.BigEndian.Uint32(data[1:5]),
		Op:     Op(data[5]),
		Body:   data[6:],
	}, nil
}

// ---- opcode-specific body encodings: length-prefixed (u32 BE) strings,
// tagged by position, matching spec §4.1's "length-prefixed byte strings". ----

func putString(b []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	b = append(b, lenBuf[:]...)
	b = append(b, s...)
	return b
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(b[:4])
	if n > MaxFrameSize {
		return "", nil, ErrTooLarge
	}
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, ErrTruncated
	}
	return string(b[:n]), b[n:], nil
}

// LoginBody / RegisterBody: username + password.
type CredentialBody struct {
	Username string
	Password string
}

func EncodeCredentialBody(c CredentialBody) []byte {
	var b []byte
	b = putString(b, c.Username)
	b = putString(b, c.Password)
	return b
}

func DecodeCredentialBody(body []byte) (CredentialBody, error) {
	user, rest, err := getString(body)
	if err != nil {
		return CredentialBody{}, err
	}
	pass, _, err := getString(rest)
	if err != nil {
		return CredentialBody{}, err
	}
	return CredentialBody{Username: user, Password: pass}, nil
}

// ChangePasswordBody: old + new password.
type ChangePasswordBody struct {
	OldPassword string
	NewPassword string
}

func EncodeChangePasswordBody(c ChangePasswordBody) []byte {
	var b []byte
	b = putString(b, c.OldPassword)
	b = putString(b, c.NewPassword)
	return b
}

func DecodeChangePasswordBody(body []byte) (ChangePasswordBody, error) {
	oldPw, rest, err := getString(body)
	if err != nil {
		return ChangePasswordBody{}, err
	}
	newPw, _, err := getString(rest)
	if err != nil {
		return ChangePasswordBody{}, err
	}
	return ChangePasswordBody{OldPassword: oldPw, NewPassword: newPw}, nil
}

// SayBody: optional recipient (empty = public broadcast) + text.
type SayBody struct {
	To   string
	Text string
}

func EncodeSayBody(s SayBody) []byte {
	var b []byte
	b = putString(b, s.To)
	b = putString(b, s.Text)
	return b
}

func DecodeSayBody(body []byte) (SayBody, error) {
	to, rest, err := getString(body)
	if err != nil {
		return SayBody{}, err
	}
	text, _, err := getString(rest)
	if err != nil {
		return SayBody{}, err
	}
	return SayBody{To: to, Text: text}, nil
}

// GetChatsBody: optional peer (empty = public history).
type GetChatsBody struct {
	Peer string
}

func EncodeGetChatsBody(g GetChatsBody) []byte {
	return putString(nil, g.Peer)
}

func DecodeGetChatsBody(body []byte) (GetChatsBody, error) {
	peer, _, err := getString(body)
	if err != nil {
		return GetChatsBody{}, err
	}
	return GetChatsBody{Peer: peer}, nil
}

// ChatEntryWire: one chat-log entry on the wire.
type ChatEntryWire struct {
	UnixNano int64
	Speaker  string
	Kind     uint8 // 0=Online 1=Offline 2=Message
	Text     string
}

const (
	EntryKindOnline  uint8 = 0
	EntryKindOffline uint8 = 1
	EntryKindMessage uint8 = 2
)

func EncodeChatEntries(entries []ChatEntryWire) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entries)))
	b := append([]byte{}, lenBuf[:]...)
	for _, e := range entries {
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], uint64(e.UnixNano))
		b = append(b, tsBuf[:]...)
		b = putString(b, e.Speaker)
		b = append(b, e.Kind)
		b = putString(b, e.Text)
	}
	return b
}

func DecodeChatEntries(body []byte) ([]ChatEntryWire, error) {
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(body[:4])
	if n > MaxWireEntries {
		return nil, ErrTooManyEntries
	}
	body = body[4:]
	out := make([]ChatEntryWire, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(body) < 8 {
			return nil, ErrTruncated
		}
		ts := int64(binary.BigEndian.Uint64(body[:8]))
		body = body[8:]
		speaker, rest, err := getString(body)
		if err != nil {
			return nil, err
		}
		body = rest
		if len(body) < 1 {
			return nil, ErrTruncated
		}
		kind := body[0]
		body = body[1:]
		text, rest2, err := getString(body)
		if err != nil {
			return nil, err
		}
		body = rest2
		out = append(out, ChatEntryWire{UnixNano: ts, Speaker: speaker, Kind: kind, Text: text})
	}
	return out, nil
}

// UserInfoWire: roster entry on the wire.
type UserInfoWire struct {
	Name   string
	Online bool
}

func EncodeUserInfos(users []UserInfoWire) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(users)))
	b := append([]byte{}, lenBuf[:]...)
	for _, u := range users {
		b = putString(b, u.Name)
		if u.Online {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return b
}

func DecodeUserInfos(body []byte) ([]UserInfoWire, error) {
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(body[:4])
	if n > MaxWireEntries {
		return nil, ErrTooManyEntries
	}
	body = body[4:]
	out := make([]UserInfoWire, 0, n)
	for i := uint32(0); i < n; i++ {
		name, rest, err := getString(body)
		if err != nil {
			return nil, err
		}
		body = rest
		if len(body) < 1 {
			return nil, ErrTruncated
		}
		out = append(out, UserInfoWire{Name: name, Online: body[0] == 1})
		body = body[1:]
	}
	return out, nil
}

// ErrBody: the payload of an error response.
type ErrBody struct {
	Kind string
	Msg  string
}

func EncodeErrBody(e ErrBody) []byte {
	var b []byte
	b = putString(b, e.Kind)
	b = putString(b, e.Msg)
	return b
}

func DecodeErrBody(body []byte) (ErrBody, error) {
	kind, rest, err := getString(body)
	if err != nil {
		return ErrBody{}, err
	}
	msg, _, err := getString(rest)
	if err != nil {
		return ErrBody{}, err
	}
	return ErrBody{Kind: kind, Msg: msg}, nil
}
