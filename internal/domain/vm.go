// Package domain holds the data model the VM provisioning core operates
// on: instance plans, instances, VM records and agent credentials.
package domain

import (
	"errors"
	"time"
)

// DeploymentRef identifies the deployment an instance belongs to.
type DeploymentRef struct {
	Name string
	ID   string
}

// Stemcell is the base OS image an instance is provisioned from.
type Stemcell struct {
	Name string
	CID  string
}

// AgentCredentials is the symmetric key material used by the encryption
// envelope (Component B) to talk to one specific agent.
type AgentCredentials struct {
	Key string // hex-encoded 256-bit AES key
}

// VmRecord is the persistent record of a cloud resource bound to an
// instance. Cid and AgentID are immutable once set; VsockCID is populated
// only by vsock-addressed CPI backends (e.g. Firecracker) and is zero for
// others (e.g. EC2). ApplySpec holds the last apply spec pushed to the
// agent, restored onto a recreated VM from its predecessor's record
// rather than recomputed.
type VmRecord struct {
	CID          string
	AgentID      string
	DeploymentID string
	Env          map[string]any
	Credentials  *AgentCredentials
	VsockCID     uint32
	ApplySpec    map[string]any
	CreatedAt    time.Time
}

// Validate enforces the invariant that every persisted VmRecord has both
// a non-empty cid and agent_id.
func (v *VmRecord) Validate() error {
	if v == nil {
		return errors.New("nil vm record")
	}
	if v.CID == "" {
		return errors.New("vm record missing cid")
	}
	if v.AgentID == "" {
		return errors.New("vm record missing agent_id")
	}
	return nil
}
