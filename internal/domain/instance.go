package domain

import "context"

// InstanceModel is the persisted row backing an Instance: identity plus the
// foreign key to the VmRecord it is currently bound to (if any).
type InstanceModel struct {
	ID              string
	Deployment      DeploymentRef
	JobName         string
	Index           int
	VMCID           string
	CloudProperties map[string]any
}

// InstanceStore is the subset of the persistence layer Instance's
// operations need. The concrete implementation lives in internal/store;
// this interface exists so internal/domain never imports internal/store.
type InstanceStore interface {
	BindInstanceToVM(ctx context.Context, instanceID, vmCID string) error
	SaveInstanceCloudProperties(ctx context.Context, instanceID string, props map[string]any) error
}

// AgentSettingsUpdater is the subset of the agent client Instance needs to
// push trusted certificates and apply state. Satisfied by
// *internal/vmcreator.AgentFleet, which routes each call to the
// agentclient.Client for agentID.
type AgentSettingsUpdater interface {
	UpdateSettings(ctx context.Context, agentID string, settings map[string]any) error
	Apply(ctx context.Context, agentID string, spec map[string]any) (map[string]any, error)
}

// ApplySpecFunc computes the desired apply spec for an instance. Manifest
// rendering is an external collaborator (out of scope per spec.md §1); it
// is injected as a function rather than implemented here.
type ApplySpecFunc func(ctx context.Context, inst *Instance) (map[string]any, error)

// Instance is the desired state for one logical VM in a deployment.
type Instance struct {
	Model           *InstanceModel
	Deployment      DeploymentRef
	Stemcell        Stemcell
	CloudProperties map[string]any
	Env             map[string]any
	TrustedCerts    string
	ComputeApplySpec ApplySpecFunc

	// AgentID is the bus-addressable agent identity, populated by
	// BindToVMModel once the backing VmRecord exists. It is distinct
	// from Model.ID (the BOSH-level instance identity).
	AgentID string
}

// BindToVMModel records that vm is now the resource backing this instance.
func (i *Instance) BindToVMModel(ctx context.Context, store InstanceStore, vm *VmRecord) error {
	if err := vm.Validate(); err != nil {
		return err
	}
	i.Model.VMCID = vm.CID
	i.AgentID = vm.AgentID
	return store.BindInstanceToVM(ctx, i.Model.ID, vm.CID)
}

// UpdateTrustedCerts pushes the instance's desired trusted certificate
// bundle to the agent via update_settings.
func (i *Instance) UpdateTrustedCerts(ctx context.Context, agent AgentSettingsUpdater) error {
	if i.TrustedCerts == "" {
		return nil
	}
	return agent.UpdateSettings(ctx, i.AgentID, map[string]any{
		"trusted_certs": i.TrustedCerts,
	})
}

// UpdateCloudProperties persists the instance's desired cloud properties.
func (i *Instance) UpdateCloudProperties(ctx context.Context, store InstanceStore) error {
	i.Model.CloudProperties = i.CloudProperties
	return store.SaveInstanceCloudProperties(ctx, i.Model.ID, i.CloudProperties)
}

// ApplyVMState computes a fresh apply spec for the instance and applies it
// via the agent's apply method.
func (i *Instance) ApplyVMState(ctx context.Context, agent AgentSettingsUpdater) error {
	spec, err := i.ComputeApplySpec(ctx, i)
	if err != nil {
		return err
	}
	_, err = agent.Apply(ctx, i.AgentID, spec)
	return err
}
