// Package agentclient implements Component C: the synchronous façade an
// instance-plan worker uses to talk to the bootstrap agent running
// inside a VM, over Component B's envelope and Component A's bus.
//
// Grounded on internal/firecracker/vsock.go's VsockClient (method-per-RPC
// struct, per-call mutex, retry/backoff inside Execute) generalized from
// a fixed vsock wire format to the bus+envelope stack, and on
// internal/executor/executor.go's retry/circuit-breaker composition
// style.
package agentclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/stratus/internal/blobstore"
	"github.com/oriys/stratus/internal/bus"
	"github.com/oriys/stratus/internal/envelope"
	"github.com/oriys/stratus/internal/logging"
	"github.com/oriys/stratus/internal/metrics"
	"github.com/oriys/stratus/internal/observability"
)

var unknownMessagePattern = regexp.MustCompile(`(?i)unknown message`)

// Client is a synchronous façade over one agent's subject. The zero
// value is not usable; construct via New. Safe for concurrent use: each
// call owns its own waiter, and the bus transport serializes nothing
// client-side beyond that.
type Client struct {
	transport bus.Transport
	envelope  *envelope.Envelope
	blobs     *blobstore.Injector
	subject   string
	cancelled func() bool
}

// New builds a Client addressing subject (the agent's inbound subject,
// formed via bus.Subject). cancelled is Config.Cancelled() (spec.md §9's
// injected-interface Config); it may be nil for calls that never need to
// observe cancellation.
func New(transport bus.Transport, env *envelope.Envelope, blobs *blobstore.Injector, subject string, cancelled func() bool) *Client {
	return &Client{transport: transport, envelope: env, blobs: blobs, subject: subject, cancelled: cancelled}
}

func (c *Client) buildPayload(method string, args []any) (map[string]any, error) {
	if args == nil {
		args = []any{}
	}
	return c.envelope.Encode(map[string]any{
		"protocol":  3,
		"method":    method,
		"arguments": args,
	})
}

// call issues one RPC attempt and waits up to timeout for a reply. It
// does not retry; callRetrying applies the per-method retry policy on
// top of this.
func (c *Client) call(ctx context.Context, method string, args []any, timeout time.Duration, cancelled func() bool) (map[string]any, error) {
	start := time.Now()
	payload, err := c.buildPayload(method, args)
	if err != nil {
		return nil, fmt.Errorf("agentclient: build payload for %s: %w", method, err)
	}

	spanCtx, span := observability.StartSpan(ctx, "agentclient.call", observability.AttrMethod.String(method))
	defer span.End()

	w := newWaiter()
	requestID, err := c.transport.SendRequest(spanCtx, c.subject, payload, func(reply map[string]any) {
		w.deliver(c.envelope.Decode(reply))
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("agentclient: send %s: %w", method, err)
	}

	deadline := time.Now().Add(timeout)
	reply, outcome := w.wait(deadline, cancelled)
	metrics.Global().RecordRPC(method, time.Since(start))

	switch outcome {
	case outcomeReady:
		observability.SetSpanOK(span)
		return reply, nil
	case outcomeTimeout:
		c.transport.CancelRequest(requestID)
		metrics.Global().RecordRPCTimeout(method)
		err := &RpcTimeout{Method: method}
		observability.SetSpanError(span, err)
		return nil, err
	default:
		c.transport.CancelRequest(requestID)
		err := &TaskCancelled{Method: method}
		observability.SetSpanError(span, err)
		return nil, err
	}
}

// callRetrying applies the method table's retry budget. Only RpcTimeout
// is retried; every retry re-issues the whole request under a fresh
// correlation id because call mints a new waiter (and the transport a
// new request id) on every invocation. Timeouts are not inherited
// across attempts: each gets a fresh deadline.
func (c *Client) callRetrying(ctx context.Context, method string, args []any, timeoutOverride time.Duration, cancelled func() bool) (map[string]any, error) {
	policy := policyFor(method)
	timeout := defaultRequestTimeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	var lastErr error
	for attempt := 0; attempt <= policy.retries; attempt++ {
		if attempt > 0 {
			metrics.Global().RecordRPCRetry(method)
		}
		reply, err := c.call(ctx, method, args, timeout, cancelled)
		if err == nil {
			return reply, nil
		}
		if _, isTimeout := err.(*RpcTimeout); !isTimeout {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// normalize applies spec.md §4.C's response normalization: exception
// formatting (with blob-content splicing), compile-log blob splicing,
// and unknown-message tolerance. reply has already been through the
// envelope's Decode.
func (c *Client) normalize(ctx context.Context, method string, reply map[string]any) (map[string]any, error) {
	if excRaw, ok := reply["exception"]; ok {
		return c.handleException(ctx, method, excRaw)
	}
	valueMap, ok := reply["value"].(map[string]any)
	if !ok {
		return reply, nil
	}
	resultMap, ok := valueMap["result"].(map[string]any)
	if !ok {
		return reply, nil
	}
	logID, ok := resultMap["compile_log_id"].(string)
	if !ok || logID == "" {
		return reply, nil
	}
	data, err := c.blobs.DownloadAndDelete(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("agentclient: fetch compile log %s: %w", logID, err)
	}
	delete(resultMap, "compile_log_id")
	resultMap["compile_log"] = string(data)
	return reply, nil
}

func (c *Client) handleException(ctx context.Context, method string, excRaw any) (map[string]any, error) {
	excMap, _ := excRaw.(map[string]any)
	message, _ := excMap["message"].(string)
	full := message

	if backtrace := formatBacktrace(excMap["backtrace"]); backtrace != "" {
		full = message + "\n" + backtrace
	}
	if blobID, ok := excMap["blobstore_id"].(string); ok && blobID != "" {
		data, err := c.blobs.DownloadAndDelete(ctx, blobID)
		if err != nil {
			logging.Op().Warn("agentclient: failed to fetch exception blob", "blob_id", blobID, "error", err)
		} else {
			full = full + "\n" + string(data)
		}
	}

	if unknownMessagePattern.MatchString(message) {
		switch method {
		case "upload_blob":
			return nil, &AgentUnsupportedAction{Method: method}
		case "update_settings", "run_script", "delete_arp_entries":
			logging.Op().Warn("agentclient: agent does not recognize method, ignoring", "method", method, "message", message)
			return map[string]any{}, nil
		}
	}
	if method == "stop" && strings.Contains(message, "Timed out waiting for service") {
		logging.Op().Warn("agentclient: stop timed out waiting for service, ignoring", "message", message)
		return map[string]any{}, nil
	}
	return nil, &RpcRemoteException{Method: method, Message: full}
}

func formatBacktrace(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		lines := make([]string, 0, len(v))
		for _, l := range v {
			if s, ok := l.(string); ok {
				lines = append(lines, s)
			}
		}
		return strings.Join(lines, "\n")
	default:
		return ""
	}
}

// issueAndPoll is send_message's engine: issue the RPC, normalize the
// reply, and if it carries an agent_task_id, poll get_task until the
// task leaves the "running" state.
func (c *Client) issueAndPoll(ctx context.Context, method string, args []any, outerDeadline time.Time, cancelled func() bool) (any, error) {
	reply, err := c.callRetrying(ctx, method, args, 0, cancelled)
	if err != nil {
		return nil, err
	}
	reply, err = c.normalize(ctx, method, reply)
	if err != nil {
		return nil, err
	}
	value := reply["value"]
	valueMap, isTaskShaped := value.(map[string]any)
	if !isTaskShaped {
		return value, nil
	}
	taskID, hasTaskID := valueMap["agent_task_id"].(string)
	if !hasTaskID {
		return value, nil
	}
	return c.pollTask(ctx, method, taskID, outerDeadline, cancelled)
}

func (c *Client) pollTask(ctx context.Context, method, taskID string, outerDeadline time.Time, cancelled func() bool) (any, error) {
	for {
		if cancelled != nil && cancelled() {
			c.cancelTaskBestEffort(ctx, taskID)
			return nil, &TaskCancelled{Method: method, AgentTaskID: taskID}
		}
		if !outerDeadline.IsZero() && !time.Now().Before(outerDeadline) {
			return nil, &RpcTimeout{Method: method}
		}
		reply, err := c.callRetrying(ctx, "get_task", []any{taskID}, 0, cancelled)
		if err != nil {
			return nil, err
		}
		reply, err = c.normalize(ctx, "get_task", reply)
		if err != nil {
			return nil, err
		}
		valueMap, _ := reply["value"].(map[string]any)
		state, _ := valueMap["state"].(string)
		if state != "running" {
			return valueMap["value"], nil
		}
		time.Sleep(taskPollInterval)
	}
}

func (c *Client) cancelTaskBestEffort(ctx context.Context, taskID string) {
	if _, err := c.callRetrying(ctx, "cancel_task", []any{taskID}, 0, nil); err != nil {
		logging.Op().Warn("agentclient: best-effort cancel_task failed", "task_id", taskID, "error", err)
	}
}

func (c *Client) sendMessage(ctx context.Context, method string, args []any) (any, error) {
	return c.issueAndPoll(ctx, method, args, time.Time{}, nil)
}

func (c *Client) sendMessageWithTimeout(ctx context.Context, method string, outerTimeout time.Duration, args []any) (any, error) {
	return c.issueAndPoll(ctx, method, args, time.Now().Add(outerTimeout), nil)
}

func (c *Client) sendCancellableMessage(ctx context.Context, method string, args []any) (any, error) {
	return c.issueAndPoll(ctx, method, args, time.Time{}, c.cancelled)
}

// fireAndForget issues the RPC and immediately cancels the reply
// subscription; it never waits for a reply. Errors are logged, never
// raised.
func (c *Client) fireAndForget(ctx context.Context, method string, args []any) {
	payload, err := c.buildPayload(method, args)
	if err != nil {
		logging.Op().Warn("agentclient: fire_and_forget build payload failed", "method", method, "error", err)
		return
	}
	requestID, err := c.transport.SendRequest(ctx, c.subject, payload, func(map[string]any) {})
	if err != nil {
		logging.Op().Warn("agentclient: fire_and_forget send failed", "method", method, "error", err)
		return
	}
	c.transport.CancelRequest(requestID)
}

// SyncDNS is the low-level send spec.md §4.C describes: it returns the
// request id and lets the caller own cancellation via CancelSyncDNS.
func (c *Client) SyncDNS(ctx context.Context, args []any, callback func(reply map[string]any)) (string, error) {
	payload, err := c.buildPayload("sync_dns", args)
	if err != nil {
		return "", fmt.Errorf("agentclient: build sync_dns payload: %w", err)
	}
	return c.transport.SendRequest(ctx, c.subject, payload, func(reply map[string]any) {
		callback(c.envelope.Decode(reply))
	})
}

// CancelSyncDNS detaches a request started via SyncDNS.
func (c *Client) CancelSyncDNS(requestID string) {
	c.transport.CancelRequest(requestID)
}

// withCorrelationID appends the "unique_message_id <uuid>" positional
// argument spec.md §6 requires for get_state and fetch_logs, and logs
// the minted id for trace correlation.
func (c *Client) withCorrelationID(method string, args []any) []any {
	id := uuid.New().String()
	logging.Op().Debug("agentclient: correlating request", "method", method, "unique_message_id", id)
	out := make([]any, 0, len(args)+1)
	out = append(out, args...)
	return append(out, fmt.Sprintf("unique_message_id %s", id))
}

// WaitUntilReady pings the agent until it responds or the deadline
// passes. Per-ping timeout is fixed at 1s regardless of the client's
// other timeouts; there is no shared mutable timeout to restore since
// every call takes its timeout as an explicit parameter.
//
// Cancellation is observed once before the first ping and otherwise
// only surfaces after a ping that timed out or was answered with a
// "restarting agent" exception (spec.md §9's documented,
// deliberately lazy, observation semantics — not a bug to fix).
func (c *Client) WaitUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(waitUntilReadyDeadline)
	if c.cancelled != nil && c.cancelled() {
		return &TaskCancelled{Method: "wait_until_ready"}
	}
	for {
		reply, err := c.call(ctx, "ping", nil, waitUntilReadyPingTimeout, nil)
		if err == nil {
			if _, normErr := c.normalize(ctx, "ping", reply); normErr == nil {
				return nil
			} else {
				err = normErr
			}
		}

		if timeoutErr, ok := err.(*RpcTimeout); ok {
			if !time.Now().Before(deadline) {
				return timeoutErr
			}
		} else if remoteErr, ok := err.(*RpcRemoteException); ok && strings.HasPrefix(remoteErr.Message, "restarting agent") {
			// expected during agent bootstrap; keep pinging.
		} else {
			return err
		}

		if c.cancelled != nil && c.cancelled() {
			return &TaskCancelled{Method: "wait_until_ready"}
		}
		if !time.Now().Before(deadline) {
			return &RpcTimeout{Method: "ping"}
		}
	}
}
