package vmcreator

import (
	"context"
	"sync"

	"github.com/oriys/stratus/internal/agentclient"
	"github.com/oriys/stratus/internal/blobstore"
	"github.com/oriys/stratus/internal/bus"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/envelope"
)

// agentService is the bus subject prefix every agent client subscribes
// under, per bus.Subject("agent", agentID).
const agentService = "agent"

// AgentFleet lazily builds and caches one agentclient.Client per agent
// id, all sharing the same transport, envelope, and blob injector.
// It implements domain.AgentSettingsUpdater so Instance methods can
// drive it directly, and exposes WaitUntilReady for Component E's
// wait-until-ready step.
type AgentFleet struct {
	transport bus.Transport
	env       *envelope.Envelope
	blobs     *blobstore.Injector
	cancelled func() bool

	mu      sync.Mutex
	clients map[string]*agentclient.Client
}

// NewAgentFleet builds a fleet sharing one transport/envelope/blobstore
// across every agent client it creates.
func NewAgentFleet(transport bus.Transport, env *envelope.Envelope, blobs *blobstore.Injector, cancelled func() bool) *AgentFleet {
	return &AgentFleet{
		transport: transport,
		env:       env,
		blobs:     blobs,
		cancelled: cancelled,
		clients:   make(map[string]*agentclient.Client),
	}
}

// Client returns the cached client for agentID, creating one on first use.
func (f *AgentFleet) Client(agentID string) *agentclient.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[agentID]; ok {
		return c
	}
	c := agentclient.New(f.transport, f.env, f.blobs, bus.Subject(agentService, agentID), f.cancelled)
	f.clients[agentID] = c
	return c
}

// UpdateSettings satisfies domain.AgentSettingsUpdater.
func (f *AgentFleet) UpdateSettings(ctx context.Context, agentID string, settings map[string]any) error {
	_, err := f.Client(agentID).UpdateSettings(ctx, settings)
	return err
}

// Apply satisfies domain.AgentSettingsUpdater.
func (f *AgentFleet) Apply(ctx context.Context, agentID string, spec map[string]any) (map[string]any, error) {
	reply, err := f.Client(agentID).Apply(ctx, spec)
	if err != nil {
		return nil, err
	}
	out, _ := reply.(map[string]any)
	return out, nil
}

// WaitUntilReady blocks until agentID's agent answers ping.
func (f *AgentFleet) WaitUntilReady(ctx context.Context, agentID string) error {
	return f.Client(agentID).WaitUntilReady(ctx)
}

var _ domain.AgentSettingsUpdater = (*AgentFleet)(nil)
