package agentclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/blobstore"
	"github.com/oriys/stratus/internal/bus"
	"github.com/oriys/stratus/internal/envelope"
)

// fakeBlobs is an in-memory blobstore.ResourceManager for tests.
type fakeBlobs struct {
	data    map[string][]byte
	deleted []string
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: make(map[string][]byte)} }

func (f *fakeBlobs) Get(_ context.Context, id string) ([]byte, error) {
	b, ok := f.data[id]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return b, nil
}

func (f *fakeBlobs) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestClient(ft *bus.FakeTransport, blobs blobstore.ResourceManager, cancelled func() bool) *Client {
	return New(ft, envelope.New(nil), blobstore.New(blobs), "agent.test", cancelled)
}

// respondOnce waits for the next request and replies with payload.
func respondOnce(t *testing.T, ft *bus.FakeTransport, payload map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, ok := ft.NextRequest(ctx)
	if !ok {
		t.Fatal("timed out waiting for request")
	}
	ft.Reply(req.RequestID, payload)
}

func TestClient_Ping(t *testing.T) {
	ft := bus.NewFakeTransport()
	client := newTestClient(ft, newFakeBlobs(), nil)

	done := make(chan struct{})
	go func() { respondOnce(t, ft, map[string]any{"value": "pong"}); close(done) }()

	value, err := client.Ping(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if value != "pong" {
		t.Fatalf("expected pong, got %v", value)
	}
}

func TestClient_GetState_AddsCorrelationID(t *testing.T) {
	ft := bus.NewFakeTransport()
	client := newTestClient(ft, newFakeBlobs(), nil)

	done := make(chan struct{})
	go func() { respondOnce(t, ft, map[string]any{"value": map[string]any{"job_state": "running"}}); close(done) }()

	_, err := client.GetState(context.Background())
	<-done
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	if len(ft.Sent) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ft.Sent))
	}
	args, _ := ft.Sent[0].Payload["arguments"].([]any)
	if len(args) != 1 {
		t.Fatalf("expected 1 correlation argument, got %v", args)
	}
	if s, _ := args[0].(string); len(s) < len("unique_message_id ") {
		t.Fatalf("expected unique_message_id argument, got %v", args[0])
	}
}

func TestClient_Apply_PollsTaskToCompletion(t *testing.T) {
	ft := bus.NewFakeTransport()
	client := newTestClient(ft, newFakeBlobs(), nil)

	done := make(chan struct{})
	go func() {
		respondOnce(t, ft, map[string]any{"value": map[string]any{"agent_task_id": "t1", "state": "running"}})
		respondOnce(t, ft, map[string]any{"value": map[string]any{"state": "running"}})
		respondOnce(t, ft, map[string]any{"value": map[string]any{"state": "done", "value": "ok"}})
		close(done)
	}()

	value, err := client.Apply(context.Background(), map[string]any{"a": 1})
	<-done
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if value != "ok" {
		t.Fatalf("expected task's terminal value, got %v", value)
	}
}

func TestClient_RpcTimeout_RespectsRetryBudget(t *testing.T) {
	ft := bus.NewFakeTransport()
	client := newTestClient(ft, newFakeBlobs(), nil)

	// get_state has a configured retry budget of 2: expect 3 total sends
	// (initial + 2 retries), none of them ever replied to.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			ft.NextRequest(ctx)
			cancel()
		}
		close(done)
	}()

	_, err := client.callRetrying(context.Background(), "get_state", nil, 50*time.Millisecond, nil)
	<-done

	var timeoutErr *RpcTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected RpcTimeout, got %v", err)
	}
	if len(ft.Sent) != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", len(ft.Sent))
	}
}

func TestClient_RemoteException_FormatsMessageAndBlob(t *testing.T) {
	ft := bus.NewFakeTransport()
	blobs := newFakeBlobs()
	blobs.data["blob-1"] = []byte("stack overflow somewhere")
	client := newTestClient(ft, blobs, nil)

	done := make(chan struct{})
	go func() {
		respondOnce(t, ft, map[string]any{"exception": map[string]any{
			"message":      "boom",
			"backtrace":    []any{"line1", "line2"},
			"blobstore_id": "blob-1",
		}})
		close(done)
	}()

	_, err := client.Start(context.Background())
	<-done

	var remoteErr *RpcRemoteException
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RpcRemoteException, got %v", err)
	}
	want := "boom\nline1\nline2\nstack overflow somewhere"
	if remoteErr.Message != want {
		t.Fatalf("message mismatch:\ngot  %q\nwant %q", remoteErr.Message, want)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != "blob-1" {
		t.Fatalf("expected blob-1 to be deleted, got %v", blobs.deleted)
	}
}

func TestClient_UpdateSettings_UnknownMessageIsSwallowed(t *testing.T) {
	ft := bus.NewFakeTransport()
	client := newTestClient(ft, newFakeBlobs(), nil)

	done := make(chan struct{})
	go func() {
		respondOnce(t, ft, map[string]any{"exception": map[string]any{"message": "unknown message update_settings"}})
		close(done)
	}()

	_, err := client.UpdateSettings(context.Background(), map[string]any{"trusted_certs": "x"})
	<-done
	if err != nil {
		t.Fatalf("expected unknown-message to be swallowed, got %v", err)
	}
}

func TestClient_UploadBlob_UnknownMessageIsDistinctError(t *testing.T) {
	ft := bus.NewFakeTransport()
	client := newTestClient(ft, newFakeBlobs(), nil)

	done := make(chan struct{})
	go func() {
		respondOnce(t, ft, map[string]any{"exception": map[string]any{"message": "unknown message upload_blob"}})
		close(done)
	}()

	_, err := client.UploadBlob(context.Background(), "b1", "sha256:x", "payload")
	<-done

	var unsupported *AgentUnsupportedAction
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected AgentUnsupportedAction, got %v", err)
	}
}

func TestClient_Drain_CancelledMidTask(t *testing.T) {
	ft := bus.NewFakeTransport()
	cancelled := false
	client := newTestClient(ft, newFakeBlobs(), func() bool { return cancelled })

	done := make(chan struct{})
	go func() {
		respondOnce(t, ft, map[string]any{"value": map[string]any{"agent_task_id": "t1", "state": "running"}})
		respondOnce(t, ft, map[string]any{"value": map[string]any{"state": "running"}})
		// cancellation flips during the 1s inter-poll sleep, so the next
		// wake observes it before issuing another get_task, and instead
		// sends a best-effort cancel_task.
		cancelled = true
		respondOnce(t, ft, map[string]any{"value": nil})
		close(done)
	}()

	_, err := client.Drain(context.Background(), "shutdown", map[string]any{})
	<-done

	var taskCancelled *TaskCancelled
	if !errors.As(err, &taskCancelled) {
		t.Fatalf("expected TaskCancelled, got %v", err)
	}
	if taskCancelled.AgentTaskID != "t1" {
		t.Fatalf("expected task id t1, got %q", taskCancelled.AgentTaskID)
	}
}

func TestClient_CompileLog_BlobSplicedIntoResult(t *testing.T) {
	ft := bus.NewFakeTransport()
	blobs := newFakeBlobs()
	blobs.data["log-1"] = []byte("compiling...\ndone")
	client := newTestClient(ft, blobs, nil)

	done := make(chan struct{})
	go func() {
		respondOnce(t, ft, map[string]any{"value": map[string]any{
			"result": map[string]any{"compile_log_id": "log-1"},
		}})
		close(done)
	}()

	value, err := client.CompilePackage(context.Background(), []any{"pkg", "1.0"})
	<-done
	if err != nil {
		t.Fatalf("CompilePackage: %v", err)
	}
	valueMap, _ := value.(map[string]any)
	result, _ := valueMap["result"].(map[string]any)
	if result["compile_log"] != "compiling...\ndone" {
		t.Fatalf("expected spliced compile log, got %v", result)
	}
	if _, stillPresent := result["compile_log_id"]; stillPresent {
		t.Fatalf("expected compile_log_id to be removed, got %v", result)
	}
}
