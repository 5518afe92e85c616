package registry

import (
	"net"
	"testing"

	"ledgerd/internal/wire"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestInsertSendBroadcastRemove(t *testing.T) {
	r := New()
	serverSide, clientSide := pipeConn(t)

	c, err := r.Insert("site-b", serverSide, "site-a")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !r.Connected("site-b") {
		t.Fatal("expected site-b connected")
	}

	done := make(chan wire.Message, 1)
	go func() {
		msg, _ := wire.ReadMessage(clientSide)
		done <- msg
	}()

	if err := r.Send("site-b", wire.NewBye("site-a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := <-done
	if got.Tag != wire.TagBye {
		t.Fatalf("got tag %v, want Bye", got.Tag)
	}

	// Drain the broadcast frame: net.Pipe writes block until read, so
	// the reader must be running before Broadcast is called.
	drained := make(chan struct{})
	go func() { wire.ReadMessage(clientSide); close(drained) }()
	sent := r.Broadcast(wire.NewBye("site-a"))
	if len(sent) != 1 || sent[0] != "site-b" {
		t.Fatalf("Broadcast sent = %v, want [site-b]", sent)
	}
	<-drained

	r.Remove("site-b")
	if r.Connected("site-b") {
		t.Fatal("expected site-b removed")
	}
	_ = c
}

func TestSendToUnknownSiteFails(t *testing.T) {
	r := New()
	if err := r.Send("ghost", wire.NewBye("site-a")); err == nil {
		t.Fatal("expected error sending to unregistered site")
	}
}

func TestInsertDuplicateLexicographicTieBreak(t *testing.T) {
	r := New()
	firstServer, firstClient := pipeConn(t)
	secondServer, secondClient := pipeConn(t)
	_ = firstClient
	_ = secondClient

	// selfID "site-a" is lexicographically smaller than "site-b": the
	// existing connection (registered first) must win.
	first, err := r.Insert("site-b", firstServer, "site-a")
	if err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	kept, err := r.Insert("site-b", secondServer, "site-a")
	if err == nil {
		t.Fatal("expected ErrDuplicatePeer on collision")
	}
	if kept != first {
		t.Fatal("expected the original connection to be kept as the winner")
	}
}
