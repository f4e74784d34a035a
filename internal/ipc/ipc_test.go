package ipc

import (
	"testing"
	"time"

	"github.com/open-nexus-os/neuron/internal/defs"
)

func TestSendRecvStampsSender(t *testing.T) {
	r := NewRouter()
	id, err := r.CreateEndpoint(4)
	if err != 0 {
		t.Fatalf("create endpoint failed: %v", err)
	}
	if _, err := r.Send(id, defs.ServiceId_t(42), []byte("hello"), nil, false); err != 0 {
		t.Fatalf("send failed: %v", err)
	}
	msg, err := r.Recv(id)
	if err != 0 {
		t.Fatalf("recv failed: %v", err)
	}
	if msg.SenderService != 42 {
		t.Fatalf("expected stamped sender 42, got %d", msg.SenderService)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", msg.Payload)
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	r := NewRouter()
	id, _ := r.CreateEndpoint(1)

	done := make(chan Message_t, 1)
	go func() {
		m, err := r.Recv(id)
		if err != 0 {
			t.Errorf("recv failed: %v", err)
		}
		done <- m
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := r.Send(id, 1, []byte("x"), nil, false); err != 0 {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case m := <-done:
		if string(m.Payload) != "x" {
			t.Fatalf("unexpected payload: %q", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("recv never woke up after send")
	}
}

func TestBoundedQueueRejectsOverflow(t *testing.T) {
	r := NewRouter()
	id, _ := r.CreateEndpoint(1)
	if _, err := r.Send(id, 1, []byte("a"), nil, false); err != 0 {
		t.Fatalf("first send failed: %v", err)
	}
	if _, err := r.Send(id, 1, []byte("b"), nil, false); err != defs.EAGAIN {
		t.Fatalf("expected WouldBlock-equivalent on full queue, got %v", err)
	}
}

func TestDestroyWakesBlockedReceiver(t *testing.T) {
	r := NewRouter()
	id, _ := r.CreateEndpoint(1)

	errCh := make(chan defs.Err_t, 1)
	go func() {
		_, err := r.Recv(id)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := r.DestroyEndpoint(id); err != 0 {
		t.Fatalf("destroy failed: %v", err)
	}
	select {
	case err := <-errCh:
		if err != defs.ECLOSED {
			t.Fatalf("expected Closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked receiver was never woken on destroy")
	}
}

func TestReplyCorrelation(t *testing.T) {
	r := NewRouter()
	id, _ := r.CreateEndpoint(2)
	nonce, err := r.Send(id, 1, []byte("req"), nil, true)
	if err != 0 {
		t.Fatalf("send failed: %v", err)
	}
	ch := r.AwaitReply(nonce)

	msg, _ := r.Recv(id)
	if msg.ReplyNonce != nonce {
		t.Fatalf("expected recv to carry the same nonce, got %v want %v", msg.ReplyNonce, nonce)
	}
	if err := r.Reply(nonce, 2, []byte("resp")); err != 0 {
		t.Fatalf("reply failed: %v", err)
	}

	select {
	case resp := <-ch:
		if string(resp.Payload) != "resp" {
			t.Fatalf("unexpected reply payload: %q", resp.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}
}
