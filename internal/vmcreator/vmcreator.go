// Package vmcreator implements Component E: turning instance plans into
// running, agent-ready VMs. Grounded on internal/executor/executor.go's
// pipeline shape (pre-fetch -> guard -> acquire -> execute -> side
// effects) generalized to the per-plan sequence below, and on
// internal/cluster/scheduler.go for the batch fan-out style.
package vmcreator

import (
	"context"
	"fmt"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/eventlog"
	"github.com/oriys/stratus/internal/logging"
	"github.com/oriys/stratus/internal/vmfactory"
	"github.com/oriys/stratus/internal/workerpool"
)

// Config is the slice of process config the creator needs.
type Config interface {
	MaxThreads() int
}

// DiskManager attaches an instance's persistent/ephemeral disks after its
// VM exists. External collaborator; spec.md §1 puts disk attachment
// mechanics out of scope.
type DiskManager interface {
	AttachDisksFor(ctx context.Context, inst *domain.Instance) error
}

// MetadataUpdater applies CPI-level tags/metadata to a freshly created VM.
type MetadataUpdater interface {
	UpdateMetadata(ctx context.Context, vmCID string) error
}

// NoopMetadataUpdater satisfies MetadataUpdater for CPIs with nothing to
// tag beyond what create_vm already set.
type NoopMetadataUpdater struct{}

func (NoopMetadataUpdater) UpdateMetadata(context.Context, string) error { return nil }

// Creator wires a VM Factory, an agent fleet, and the external
// collaborators (disk manager, metadata updater, instance store)
// together to carry out spec.md §4.E's per-plan sequence.
type Creator struct {
	factory  *vmfactory.Factory
	agents   *AgentFleet
	store    domain.InstanceStore
	disks    DiskManager
	metadata MetadataUpdater
	cfg      Config
}

// New builds a Creator. metadata may be NoopMetadataUpdater{} if the CPI
// in use needs no post-create tagging.
func New(factory *vmfactory.Factory, agents *AgentFleet, store domain.InstanceStore, disks DiskManager, metadata MetadataUpdater, cfg Config) *Creator {
	if metadata == nil {
		metadata = NoopMetadataUpdater{}
	}
	return &Creator{factory: factory, agents: agents, store: store, disks: disks, metadata: metadata, cfg: cfg}
}

// CreateForInstancePlans drives spec.md §4.E's batch method: one worker
// pool task per plan, draining fully before propagating the first
// failure. Obsolete network reservations are released, and their plan
// bookkeeping retired, only after each plan's own task has completed
// successfully, preserving the creation-success -> IP-release ->
// plan-bookkeeping ordering spec.md §5 requires.
func (c *Creator) CreateForInstancePlans(ctx context.Context, plans []*domain.InstancePlan, disksByPlan [][]string, ipProvider domain.IPProvider) error {
	if len(plans) == 0 {
		return nil
	}
	if len(disksByPlan) != len(plans) {
		return fmt.Errorf("vmcreator: disksByPlan length %d does not match plans length %d", len(disksByPlan), len(plans))
	}

	stage := eventlog.OpenStage("Creating missing vms", len(plans))
	defer stage.Finish()

	pool := workerpool.New(c.cfg.MaxThreads())
	tasks := make([]workerpool.Task, len(plans))
	for i, plan := range plans {
		plan, disks := plan, disksByPlan[i]
		tasks[i] = func(ctx context.Context) error {
			if err := c.CreateForInstancePlan(ctx, plan, disks); err != nil {
				stage.Fail(err)
				return err
			}
			stage.Advance()

			for _, reservation := range plan.ObsoleteReservations() {
				if err := ipProvider.Release(ctx, reservation); err != nil {
					logging.Op().Warn("vmcreator: release obsolete reservation failed", "ip", reservation.IP, "network", reservation.NetworkName, "error", err)
				}
			}
			plan.ReleaseObsoleteNetworkPlans()
			return nil
		}
	}

	return pool.Wrap(ctx, "create_vm", tasks)
}

// CreateForInstancePlan implements spec.md §4.E's single-plan sequence:
// factory create, a compensating block (bind, metadata, wait-ready,
// trusted certs, cloud properties) that deletes the VM and reraises on
// any failure, then (uncompensated) disk attachment, then the
// apply-state branch, then marking the plan's network plans existing.
func (c *Creator) CreateForInstancePlan(ctx context.Context, plan *domain.InstancePlan, disks []string) error {
	existingApplySpec := plan.ExistingApplySpec()
	inst := plan.Desired

	vm, err := c.factory.Create(ctx, vmfactory.CreateRequest{
		Deployment:      inst.Deployment,
		Stemcell:        inst.Stemcell,
		CloudProperties: inst.CloudProperties,
		NetworkSettings: plan.NetworkSettings(),
		Disks:           disks,
		Env:             inst.Env,
	})
	if err != nil {
		return err
	}

	if err := c.bindAndPrepare(ctx, inst, vm); err != nil {
		c.deleteForInstancePlan(ctx, vm.CID)
		return err
	}

	if err := c.disks.AttachDisksFor(ctx, inst); err != nil {
		return err
	}

	if plan.NeedsRecreate() {
		if _, err := c.agents.Apply(ctx, vm.AgentID, existingApplySpec); err != nil {
			return err
		}
		if err := c.factory.PersistApplySpec(ctx, vm.CID, existingApplySpec); err != nil {
			return err
		}
	} else {
		if err := inst.ApplyVMState(ctx, c.agents); err != nil {
			return err
		}
	}

	plan.MarkDesiredNetworkPlansAsExisting()
	return nil
}

// bindAndPrepare is spec.md §4.E step 3, the compensating block: any
// failure here means the VM gets deleted and the error reraised by the
// caller, never swallowed.
func (c *Creator) bindAndPrepare(ctx context.Context, inst *domain.Instance, vm *domain.VmRecord) error {
	if err := inst.BindToVMModel(ctx, c.store, vm); err != nil {
		return fmt.Errorf("vmcreator: bind instance to vm: %w", err)
	}
	if err := c.metadata.UpdateMetadata(ctx, vm.CID); err != nil {
		return fmt.Errorf("vmcreator: update vm metadata: %w", err)
	}
	if err := c.agents.WaitUntilReady(ctx, vm.AgentID); err != nil {
		return fmt.Errorf("vmcreator: wait until ready: %w", err)
	}
	if err := inst.UpdateTrustedCerts(ctx, c.agents); err != nil {
		return fmt.Errorf("vmcreator: update trusted certs: %w", err)
	}
	if err := inst.UpdateCloudProperties(ctx, c.store); err != nil {
		return fmt.Errorf("vmcreator: update cloud properties: %w", err)
	}
	return nil
}

func (c *Creator) deleteForInstancePlan(ctx context.Context, vmCID string) {
	c.factory.DeleteVM(ctx, vmCID)
}
