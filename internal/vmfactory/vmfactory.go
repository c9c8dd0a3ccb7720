// Package vmfactory implements Component D: CPI invocation with retry,
// VmRecord persistence, and compensating cleanup on failure. Grounded on
// internal/firecracker/vm.go's CreateVM (agent-id generation, env copy,
// retry-on-ok_to_retry) and on internal/backend.Backend's already
// CPI-shaped interface.
package vmfactory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/stratus/internal/cpi"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/envelope"
	"github.com/oriys/stratus/internal/logging"
	"github.com/oriys/stratus/internal/metrics"
)

// Config is the slice of the process-wide Config (spec.md §9's injected
// interfaces) this factory needs.
type Config interface {
	MaxVmCreateTries() int
	EncryptionEnabled() bool
}

// Store is the persistence subset the factory needs; internal/store's
// Postgres-backed store satisfies it.
type Store interface {
	SaveVM(ctx context.Context, vm *domain.VmRecord) error
	DeleteVM(ctx context.Context, cid string) error
	SaveVMApplySpec(ctx context.Context, cid string, spec map[string]any) error
}

// CreateRequest bundles the inputs spec.md §4.D's create operation takes.
type CreateRequest struct {
	Deployment      domain.DeploymentRef
	Stemcell        domain.Stemcell
	CloudProperties map[string]any
	NetworkSettings map[string]any
	Disks           []string
	Env             map[string]any
}

// Factory is the CPI-backed VmRecord creator.
type Factory struct {
	cpi   cpi.CPI
	store Store
	cfg   Config
}

// New builds a Factory around a concrete CPI, store, and config.
func New(backend cpi.CPI, store Store, cfg Config) *Factory {
	return &Factory{cpi: backend, store: store, cfg: cfg}
}

// Create performs spec.md §4.D's five steps: deep-copy env, mint an
// agent id, optionally generate credentials, invoke the CPI with retry,
// and persist the resulting VmRecord. Any failure after a successful
// CreateVM triggers compensating deletion before the error propagates.
func (f *Factory) Create(ctx context.Context, req CreateRequest) (*domain.VmRecord, error) {
	env := deepCopyMap(req.Env)
	agentID := uuid.New().String()

	var creds *domain.AgentCredentials
	if f.cfg.EncryptionEnabled() {
		key, err := envelope.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("vmfactory: generate credentials: %w", err)
		}
		creds = &domain.AgentCredentials{Key: key}
		setBoshCredentials(env, creds)
	}

	createStart := time.Now()
	result, err := f.createVMWithRetry(ctx, agentID, req, env)
	createDuration := time.Since(createStart)
	if err != nil {
		return nil, err
	}

	vm := &domain.VmRecord{
		CID:          result.CID,
		AgentID:      agentID,
		DeploymentID: req.Deployment.ID,
		Env:          env,
		Credentials:  creds,
		VsockCID:     result.VsockCID,
		CreatedAt:    time.Now(),
	}

	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if delErr := f.cpi.DeleteVM(context.Background(), vm.CID); delErr != nil {
			logging.Op().Warn("vmfactory: compensating delete_vm failed", "cid", vm.CID, "error", delErr)
		}
	}()

	if err := vm.Validate(); err != nil {
		return nil, fmt.Errorf("vmfactory: built invalid vm record: %w", err)
	}
	if err := f.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("vmfactory: save vm record: %w", err)
	}

	succeeded = true
	metrics.Global().RecordVMCreated(createDuration)
	return vm, nil
}

// createVMWithRetry drives the outcome-sum loop Design Note 9 calls for
// in place of exception-as-control-flow: each attempt is either a
// success, a retryable failure (counted and retried up to
// Config.MaxVmCreateTries total attempts), or a fatal failure that
// propagates immediately.
func (f *Factory) createVMWithRetry(ctx context.Context, agentID string, req CreateRequest, env map[string]any) (cpi.CreateVMResult, error) {
	maxTries := f.cfg.MaxVmCreateTries()
	if maxTries < 1 {
		maxTries = 1
	}

	cpiReq := cpi.CreateVMRequest{
		AgentID:         agentID,
		StemcellCID:     req.Stemcell.CID,
		CloudProperties: req.CloudProperties,
		NetworkSettings: req.NetworkSettings,
		Disks:           req.Disks,
		Env:             env,
	}

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		result, err := f.cpi.CreateVM(ctx, cpiReq)
		if err == nil {
			return result, nil
		}

		var creationErr *cpi.VMCreationFailed
		if !asVMCreationFailed(err, &creationErr) || !creationErr.OkToRetry {
			metrics.Global().RecordVMCreateFailure()
			return cpi.CreateVMResult{}, err
		}

		metrics.Global().RecordVMCreateRetry()
		logging.Op().Warn("vmfactory: retryable create_vm failure", "attempt", attempt, "max_tries", maxTries, "error", err)
		lastErr = err
	}
	metrics.Global().RecordVMCreateFailure()
	return cpi.CreateVMResult{}, lastErr
}

func asVMCreationFailed(err error, target **cpi.VMCreationFailed) bool {
	e, ok := err.(*cpi.VMCreationFailed)
	if !ok {
		return false
	}
	*target = e
	return true
}

// PersistApplySpec restores an apply spec onto an existing VM record, used
// by the recreate path (spec.md §4.E step 5a) instead of recomputing one.
func (f *Factory) PersistApplySpec(ctx context.Context, cid string, spec map[string]any) error {
	if err := f.store.SaveVMApplySpec(ctx, cid, spec); err != nil {
		return fmt.Errorf("vmfactory: persist apply spec: %w", err)
	}
	return nil
}

// DeleteVM wraps cpi.DeleteVM and swallows errors, per spec.md §4.D.
func (f *Factory) DeleteVM(ctx context.Context, cid string) {
	if err := f.cpi.DeleteVM(ctx, cid); err != nil {
		logging.Op().Warn("vmfactory: delete_vm failed", "cid", cid, "error", err)
	}
	metrics.Global().RecordVMDeleted()
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func setBoshCredentials(env map[string]any, creds *domain.AgentCredentials) {
	bosh, ok := env["bosh"].(map[string]any)
	if !ok {
		bosh = map[string]any{}
	}
	bosh["credentials"] = map[string]any{"key": creds.Key}
	env["bosh"] = bosh
}
