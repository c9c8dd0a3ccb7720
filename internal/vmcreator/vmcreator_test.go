package vmcreator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/blobstore"
	"github.com/oriys/stratus/internal/bus"
	"github.com/oriys/stratus/internal/cpi"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/envelope"
	"github.com/oriys/stratus/internal/vmfactory"
)

type fakeCPI struct{ deleted []string }

func (f *fakeCPI) CreateVM(ctx context.Context, req cpi.CreateVMRequest) (cpi.CreateVMResult, error) {
	return cpi.CreateVMResult{CID: "vm-" + req.AgentID}, nil
}

func (f *fakeCPI) DeleteVM(ctx context.Context, cid string) error {
	f.deleted = append(f.deleted, cid)
	return nil
}

type fakeVMStore struct {
	saved      []*domain.VmRecord
	applySpecs map[string]map[string]any
}

func (s *fakeVMStore) SaveVM(ctx context.Context, vm *domain.VmRecord) error {
	s.saved = append(s.saved, vm)
	return nil
}
func (s *fakeVMStore) DeleteVM(ctx context.Context, cid string) error { return nil }

func (s *fakeVMStore) SaveVMApplySpec(ctx context.Context, cid string, spec map[string]any) error {
	if s.applySpecs == nil {
		s.applySpecs = map[string]map[string]any{}
	}
	s.applySpecs[cid] = spec
	return nil
}

type fakeInstanceStore struct {
	bound  map[string]string
	props  map[string]map[string]any
	bindErr error
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{bound: map[string]string{}, props: map[string]map[string]any{}}
}

func (s *fakeInstanceStore) BindInstanceToVM(ctx context.Context, instanceID, vmCID string) error {
	if s.bindErr != nil {
		return s.bindErr
	}
	s.bound[instanceID] = vmCID
	return nil
}

func (s *fakeInstanceStore) SaveInstanceCloudProperties(ctx context.Context, instanceID string, props map[string]any) error {
	s.props[instanceID] = props
	return nil
}

type fakeDiskManager struct{ calls int }

func (d *fakeDiskManager) AttachDisksFor(ctx context.Context, inst *domain.Instance) error {
	d.calls++
	return nil
}

type fakeIPProvider struct{ released []domain.IPReservation }

func (p *fakeIPProvider) Release(ctx context.Context, r domain.IPReservation) error {
	p.released = append(p.released, r)
	return nil
}

type fakeConfig struct{ maxThreads int }

func (c fakeConfig) MaxThreads() int { return c.maxThreads }

func newTestCreator(t *testing.T, backend *fakeCPI, vmStore *fakeVMStore, instStore *fakeInstanceStore, disks *fakeDiskManager) (*Creator, *bus.FakeTransport) {
	t.Helper()
	transport := bus.NewFakeTransport()
	env := envelope.New(nil)
	blobs := blobstore.New(noopBlobManager{})
	fleet := NewAgentFleet(transport, env, blobs, func() bool { return false })
	factory := vmfactory.New(backend, vmStore, vmfactoryConfig{})

	go autoReplyForever(t, transport)

	return New(factory, fleet, instStore, disks, NoopMetadataUpdater{}, fakeConfig{maxThreads: 4}), transport
}

type noopBlobManager struct{}

func (noopBlobManager) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (noopBlobManager) Delete(context.Context, string) error        { return nil }

type vmfactoryConfig struct{}

func (vmfactoryConfig) MaxVmCreateTries() int   { return 1 }
func (vmfactoryConfig) EncryptionEnabled() bool { return false }

// autoReplyForever answers every request on transport with a terminal
// success value, until the test's context is done.
func autoReplyForever(t *testing.T, transport *bus.FakeTransport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		req, ok := transport.NextRequest(ctx)
		if !ok {
			return
		}
		transport.Reply(req.RequestID, map[string]any{"value": true})
	}
}

func newPlan(instanceID string) *domain.InstancePlan {
	inst := &domain.Instance{
		Model:      &domain.InstanceModel{ID: instanceID},
		Deployment: domain.DeploymentRef{ID: "dep-1"},
		Stemcell:   domain.Stemcell{CID: "stemcell-1"},
		ComputeApplySpec: func(ctx context.Context, i *domain.Instance) (map[string]any, error) {
			return map[string]any{"job": "worker"}, nil
		},
	}
	return &domain.InstancePlan{
		Desired: inst,
		NetworkPlans: []*domain.NetworkPlan{
			{Reservation: domain.IPReservation{IP: "10.0.0.5", NetworkName: "default"}},
		},
	}
}

func TestCreateForInstancePlan_HappyPath(t *testing.T) {
	backend := &fakeCPI{}
	vmStore := &fakeVMStore{}
	instStore := newFakeInstanceStore()
	disks := &fakeDiskManager{}
	creator, _ := newTestCreator(t, backend, vmStore, instStore, disks)

	plan := newPlan("inst-1")
	if err := creator.CreateForInstancePlan(context.Background(), plan, nil); err != nil {
		t.Fatalf("CreateForInstancePlan: %v", err)
	}

	if _, bound := instStore.bound["inst-1"]; !bound {
		t.Fatalf("expected instance bound to a vm, got %+v", instStore.bound)
	}
	if disks.calls != 1 {
		t.Fatalf("expected disks attached once, got %d", disks.calls)
	}
	if !plan.NetworkPlans[0].IsExisting() {
		t.Fatal("expected network plan marked existing after a successful creation")
	}
	if len(backend.deleted) != 0 {
		t.Fatalf("expected no compensating delete on the happy path, got %v", backend.deleted)
	}
}

func TestCreateForInstancePlan_RecreateRestoresExistingApplySpec(t *testing.T) {
	backend := &fakeCPI{}
	vmStore := &fakeVMStore{}
	instStore := newFakeInstanceStore()
	disks := &fakeDiskManager{}
	creator, _ := newTestCreator(t, backend, vmStore, instStore, disks)

	plan := newPlan("inst-1")
	freshSpecComputed := false
	plan.Desired.ComputeApplySpec = func(ctx context.Context, i *domain.Instance) (map[string]any, error) {
		freshSpecComputed = true
		return map[string]any{"job": "worker"}, nil
	}
	plan.Existing = &domain.ExistingInstance{ApplySpec: map[string]any{"a": 1}}
	plan.Recreate = true

	if err := creator.CreateForInstancePlan(context.Background(), plan, nil); err != nil {
		t.Fatalf("CreateForInstancePlan: %v", err)
	}

	if freshSpecComputed {
		t.Fatal("expected apply_vm_state (fresh apply spec) not invoked on the recreate path")
	}

	cid := vmStore.saved[0].CID
	got, ok := vmStore.applySpecs[cid]
	if !ok {
		t.Fatalf("expected the existing apply spec persisted onto the new vm record %s, got %+v", cid, vmStore.applySpecs)
	}
	if got["a"] != 1 {
		t.Fatalf("expected the new vm record's apply spec to match the existing one, got %+v", got)
	}
}

func TestCreateForInstancePlan_BindFailureTriggersCompensatingDelete(t *testing.T) {
	backend := &fakeCPI{}
	vmStore := &fakeVMStore{}
	instStore := newFakeInstanceStore()
	instStore.bindErr = errors.New("db down")
	disks := &fakeDiskManager{}
	creator, _ := newTestCreator(t, backend, vmStore, instStore, disks)

	plan := newPlan("inst-1")
	err := creator.CreateForInstancePlan(context.Background(), plan, nil)
	if err == nil {
		t.Fatal("expected bind failure to propagate")
	}
	if len(backend.deleted) != 1 {
		t.Fatalf("expected exactly one compensating delete_vm, got %v", backend.deleted)
	}
	if disks.calls != 0 {
		t.Fatalf("expected disk attachment never reached after a compensated failure, got %d calls", disks.calls)
	}
}

func TestCreateForInstancePlans_EmptyIsNoop(t *testing.T) {
	backend := &fakeCPI{}
	vmStore := &fakeVMStore{}
	instStore := newFakeInstanceStore()
	disks := &fakeDiskManager{}
	creator, _ := newTestCreator(t, backend, vmStore, instStore, disks)

	if err := creator.CreateForInstancePlans(context.Background(), nil, nil, &fakeIPProvider{}); err != nil {
		t.Fatalf("expected no-op on empty plans, got %v", err)
	}
}

func TestCreateForInstancePlans_ReleasesObsoleteReservationsAfterSuccess(t *testing.T) {
	backend := &fakeCPI{}
	vmStore := &fakeVMStore{}
	instStore := newFakeInstanceStore()
	disks := &fakeDiskManager{}
	creator, _ := newTestCreator(t, backend, vmStore, instStore, disks)

	plan := newPlan("inst-1")
	plan.NetworkPlans = append(plan.NetworkPlans, &domain.NetworkPlan{
		Reservation: domain.IPReservation{IP: "10.0.0.9", NetworkName: "default"},
		Obsolete:    true,
	})

	ipProvider := &fakeIPProvider{}
	err := creator.CreateForInstancePlans(context.Background(), []*domain.InstancePlan{plan}, [][]string{nil}, ipProvider)
	if err != nil {
		t.Fatalf("CreateForInstancePlans: %v", err)
	}
	if len(ipProvider.released) != 1 || ipProvider.released[0].IP != "10.0.0.9" {
		t.Fatalf("expected the obsolete reservation released, got %+v", ipProvider.released)
	}
	if len(plan.NetworkPlans) != 1 {
		t.Fatalf("expected the obsolete network plan dropped, got %d remaining", len(plan.NetworkPlans))
	}
}
