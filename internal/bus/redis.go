package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/oriys/stratus/internal/logging"
)

// RedisTransport is the production Transport, grounded on the
// PUBLISH/SUBSCRIBE notifier pattern the teacher uses for its async
// queue (internal/queue/redis_notifier.go), generalized from a pure
// wake-up signal to a correlated request/reply envelope.
//
// Each SendRequest subscribes to a private per-request reply channel
// before publishing, so there is no race between publish and subscribe
// for a responder fast enough to reply immediately.
type RedisTransport struct {
	client *redis.Client

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

// envelope is the wire shape published on subject; it carries the
// caller's opaque payload plus the routing metadata the subscriber on
// the other end needs to reply to the right place.
type envelope struct {
	RequestID string         `json:"request_id"`
	ReplyTo   string         `json:"reply_to"`
	Payload   map[string]any `json:"payload"`
}

// NewRedisTransport wraps an existing redis client. The caller owns the
// client's lifecycle (Close).
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client, pending: make(map[string]context.CancelFunc)}
}

func (t *RedisTransport) SendRequest(ctx context.Context, subject string, payload map[string]any, onReply ReplyFunc) (string, error) {
	requestID := uuid.New().String()
	replySubject := "reply." + requestID

	subCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.pending[requestID] = cancel
	t.mu.Unlock()

	pubsub := t.client.Subscribe(subCtx, replySubject)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
		_ = pubsub.Close()
		return "", fmt.Errorf("subscribe reply channel: %w", err)
	}

	msgCh := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			t.mu.Lock()
			_, stillPending := t.pending[requestID]
			delete(t.pending, requestID)
			t.mu.Unlock()
			if !stillPending {
				return
			}
			var decoded map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				logging.Op().Warn("bus: malformed reply payload", "request_id", requestID, "error", err)
				return
			}
			onReply(decoded)
		}
	}()

	data, err := json.Marshal(envelope{RequestID: requestID, ReplyTo: replySubject, Payload: payload})
	if err != nil {
		cancel()
		return "", fmt.Errorf("marshal request envelope: %w", err)
	}
	if err := t.client.Publish(ctx, subject, data).Err(); err != nil {
		cancel()
		return "", fmt.Errorf("publish request: %w", err)
	}
	return requestID, nil
}

func (t *RedisTransport) CancelRequest(requestID string) {
	t.mu.Lock()
	cancel, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Subject forms the "<service>.<client_id>" subject spec.md §4.A
// prescribes.
func Subject(service, clientID string) string {
	return service + "." + clientID
}
