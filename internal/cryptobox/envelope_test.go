package cryptobox

import (
	"bytes"
	"testing"

	"chatroom/internal/protoerr"
)

func pairedEnvelopes(t *testing.T) (client, server *Envelope) {
	t.Helper()
	clientKP, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	serverKP, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	kemKP, err := GenerateKEMKeypair()
	if err != nil {
		t.Fatal(err)
	}
	kemShared, kemCT, err := ClientEncapsulate(kemKP.EncKey)
	if err != nil {
		t.Fatal(err)
	}
	serverKemShared, err := ServerDecapsulate(kemKP.Decap, kemCT)
	if err != nil {
		t.Fatal(err)
	}

	clientKey, err := DeriveSharedKey(clientKP.Priv, serverKP.Pub, kemShared)
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := DeriveSharedKey(serverKP.Priv, clientKP.Pub, serverKemShared)
	if err != nil {
		t.Fatal(err)
	}
	if clientKey != serverKey {
		t.Fatal("derived keys diverged")
	}

	client = NewEnvelope(clientKey, DirClientToServer)
	server = NewEnvelope(serverKey, DirServerToClient)
	return client, server
}

func TestSealOpenRoundtrip(t *testing.T) {
	client, server := pairedEnvelopes(t)
	msg := []byte("hello server")
	sealed, err := client.Seal(msg)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := server.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("got %q want %q", opened, msg)
	}
}

func TestReplayRejected(t *testing.T) {
	client, server := pairedEnvelopes(t)
	sealed, err := client.Seal([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.Open(sealed); err != nil {
		t.Fatal(err)
	}
	_, err = server.Open(sealed)
	if err == nil {
		t.Fatal("expected replay rejection")
	}
	perr, ok := err.(*protoerr.Error)
	if !ok || perr.Kind != protoerr.KindReplayRejected {
		t.Fatalf("expected KindReplayRejected, got %v", err)
	}
}

func TestNonceMonotonicityWithinWindow(t *testing.T) {
	client, server := pairedEnvelopes(t)
	var sealedFrames [][]byte
	for i := 0; i < 5; i++ {
		f, err := client.Seal([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		sealedFrames = append(sealedFrames, f)
	}
	// deliver out of order: 0, 2, 1, 3, 4 -- all within window, all accepted once
	order := []int{0, 2, 1, 3, 4}
	for _, idx := range order {
		if _, err := server.Open(sealedFrames[idx]); err != nil {
			t.Fatalf("frame %d: unexpected error %v", idx, err)
		}
	}
	// replaying any of them now must fail
	for _, idx := range order {
		if _, err := server.Open(sealedFrames[idx]); err == nil {
			t.Fatalf("frame %d: expected replay rejection on resend", idx)
		}
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	client, server := pairedEnvelopes(t)
	sealed, err := client.Seal([]byte("integrity"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := server.Open(tampered); err == nil {
		t.Fatal("expected MAC failure on tampered ciphertext")
	}
}

func TestOpenWrongDirectionRejected(t *testing.T) {
	client, _ := pairedEnvelopes(t)
	sealed, err := client.Seal([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	// client trying to open its own outbound-direction frame should fail:
	// its recvDir is ServerToClient, but this frame is tagged ClientToServer.
	if _, err := client.Open(sealed); err == nil {
		t.Fatal("expected direction mismatch rejection")
	}
}
