package wire

import "testing"

func TestEncodeDecodePlaintext(t *testing.T) {
	p := Plaintext{Dir: DirRequest, CorrID: 42, Op: OpSay, Body: []byte("hi")}
	b := EncodePlaintext(p)
	dec, err := DecodePlaintext(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Dir != p.Dir || dec.CorrID != p.CorrID || dec.Op != p.Op || string(dec.Body) != string(p.Body) {
		t.Fatalf("roundtrip: got %+v", dec)
	}
}

func TestDecodePlaintextTruncated(t *testing.T) {
	_, err := DecodePlaintext([]byte{0x00, 0x00})
	if err == nil {
		t.Fatal("expected error on truncated plaintext")
	}
}

func TestEncodeDecodeHello(t *testing.T) {
	var m HelloMsg
	for i := range m.ClientPub {
		m.ClientPub[i] = byte(i)
	}
	raw := EncodeHello(m)
	tag, body, ok := CleartextKind(raw)
	if !ok || tag != TagHello {
		t.Fatalf("expected hello tag, got %v ok=%v", tag, ok)
	}
	dec, err := DecodeHello(body)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ClientPub != m.ClientPub {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestEncodeDecodeHelloAck(t *testing.T) {
	var m HelloAckMsg
	m.ServerPub[0] = 7
	m.KEMEncKey[0] = 9
	raw := EncodeHelloAck(m)
	tag, body, ok := CleartextKind(raw)
	if !ok || tag != TagHelloAck {
		t.Fatalf("expected hello_ack tag, got %v ok=%v", tag, ok)
	}
	dec, err := DecodeHelloAck(body)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ServerPub != m.ServerPub || dec.KEMEncKey != m.KEMEncKey {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestCredentialBodyRoundtrip(t *testing.T) {
	c := CredentialBody{Username: "alice", Password: "hunter2"}
	b := EncodeCredentialBody(c)
	dec, err := DecodeCredentialBody(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec != c {
		t.Fatalf("roundtrip: got %+v", dec)
	}
}

func TestSayBodyRoundtrip(t *testing.T) {
	s := SayBody{To: "bob", Text: "hello there"}
	b := EncodeSayBody(s)
	dec, err := DecodeSayBody(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec != s {
		t.Fatalf("roundtrip: got %+v", dec)
	}
}

func TestChatEntriesRoundtrip(t *testing.T) {
	entries := []ChatEntryWire{
		{UnixNano: 1000, Speaker: "alice", Kind: EntryKindMessage, Text: "hi"},
		{UnixNano: 2000, Speaker: "bob", Kind: EntryKindOnline, Text: ""},
	}
	b := EncodeChatEntries(entries)
	dec, err := DecodeChatEntries(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(dec) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(dec))
	}
	for i := range entries {
		if dec[i] != entries[i] {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, dec[i], entries[i])
		}
	}
}

func TestGetStringTooLarge(t *testing.T) {
	body := make([]byte, 4)
	// declare a length far beyond MaxFrameSize
	body[0] = 0xff
	body[1] = 0xff
	body[2] = 0xff
	body[3] = 0xff
	if _, _, err := getString(body); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestDecodeChatEntriesRejectsHugeCount(t *testing.T) {
	body := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := DecodeChatEntries(body); err != ErrTooManyEntries {
		t.Fatalf("expected ErrTooManyEntries, got %v", err)
	}
}

func TestDecodeUserInfosRejectsHugeCount(t *testing.T) {
	body := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := DecodeUserInfos(body); err != ErrTooManyEntries {
		t.Fatalf("expected ErrTooManyEntries, got %v", err)
	}
}

func TestCleartextKindRejectsSealed(t *testing.T) {
	// first byte != 0x00 => not a cleartext marker
	datagram := []byte{0x05, 0x01, 0x02}
	if _, _, ok := CleartextKind(datagram); ok {
		t.Fatal("expected ok=false for non-cleartext-tagged datagram")
	}
}
