package conn

import (
	"bytes"
	"testing"
	"time"
)

// TestSimpleComm tests if node2 (client) can connect to node1 (server)
// and deliver a raw frame with opcode and sender intact.
func TestSimpleComm(t *testing.T) {
	addr1 := "127.0.0.1:8888"
	tran1, err := NewTCPTransport(addr1, 2*time.Second, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tran1.Close()

	payload := []byte("hello from node2")
	done := make(chan RawMsg, 1)
	go func() {
		done <- <-tran1.MsgChan()
	}()

	addr2 := "127.0.0.1:9999"
	tran2, err := NewTCPTransport(addr2, 2*time.Second, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tran2.Close()

	conn, err := tran2.GetConn(addr1)
	if err != nil {
		t.Fatal(err)
	}
	if err := SendMsg(conn, 4, 2, payload); err != nil {
		t.Fatal(err)
	}
	if err := tran2.ReturnConn(conn); err != nil {
		t.Fatal(err)
	}

	select {
	case raw := <-done:
		if raw.Op != 4 {
			t.Fatalf("wrong opcode: %d", raw.Op)
		}
		if raw.Sender != 2 {
			t.Fatalf("wrong sender: %d", raw.Sender)
		}
		if !bytes.Equal(raw.Payload, payload) {
			t.Fatal("payload does not match the original one")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame never arrived")
	}
}

// Frames announcing an oversized payload terminate the connection instead of
// allocating.
func TestOversizedFrameRejected(t *testing.T) {
	addr1 := "127.0.0.1:8889"
	tran1, err := NewTCPTransport(addr1, 2*time.Second, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tran1.Close()

	addr2 := "127.0.0.1:9998"
	tran2, err := NewTCPTransport(addr2, 2*time.Second, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tran2.Close()

	conn, err := tran2.GetConn(addr1)
	if err != nil {
		t.Fatal(err)
	}
	// length bytes are little-endian: 0x01000000 = 16 MiB
	header := []byte{0, 0, 0, 0, 0, 1}
	if _, err := conn.w.Write(header); err != nil {
		t.Fatal(err)
	}
	if err := conn.w.Flush(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-tran1.MsgChan():
		t.Fatal("oversized frame should have been dropped")
	case <-time.After(500 * time.Millisecond):
	}
}
