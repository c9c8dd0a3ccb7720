package bus

import (
	"context"
	"testing"
	"time"
)

func TestFakeTransport_SendAndReply(t *testing.T) {
	ft := NewFakeTransport()
	received := make(chan map[string]any, 1)

	_, err := ft.SendRequest(context.Background(), "agent.vm-1", map[string]any{"method": "ping"}, func(reply map[string]any) {
		received <- reply
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, ok := ft.NextRequest(ctx)
	if !ok {
		t.Fatal("expected a recorded request")
	}
	if req.Subject != "agent.vm-1" {
		t.Fatalf("subject mismatch: got %q", req.Subject)
	}

	if !ft.Reply(req.RequestID, map[string]any{"value": "pong"}) {
		t.Fatal("expected Reply to find a pending callback")
	}

	select {
	case reply := <-received:
		if reply["value"] != "pong" {
			t.Fatalf("unexpected reply: %v", reply)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply callback")
	}
}

func TestFakeTransport_CancelRequestIsIdempotent(t *testing.T) {
	ft := NewFakeTransport()
	id, err := ft.SendRequest(context.Background(), "agent.vm-1", map[string]any{}, func(map[string]any) {})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	ft.CancelRequest(id)
	if ft.Pending(id) {
		t.Fatal("expected request to no longer be pending after cancel")
	}

	// A reply after cancellation is a no-op, not a panic or double-invoke.
	if ft.Reply(id, map[string]any{"value": "late"}) {
		t.Fatal("expected Reply to report no pending callback after cancellation")
	}

	// Cancelling again must not panic.
	ft.CancelRequest(id)
}

func TestSubject_Format(t *testing.T) {
	got := Subject("agent", "vm-123")
	if got != "agent.vm-123" {
		t.Fatalf("expected %q, got %q", "agent.vm-123", got)
	}
}
