// Package store implements Component J's persistence layer against
// Postgres, grounded on internal/store/postgres.go's
// pool-plus-ensureSchema-plus-jsonb-payload pattern (same
// jackc/pgx/v5 dependency, same ON CONFLICT upsert idiom as
// SaveFunction/GetFunction there), adapted from a function registry to
// the vms/instances schema SPEC_FULL.md §6 defines.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/stratus/internal/domain"
)

// PostgresStore persists VmRecords and instance metadata.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema exists before
// returning, matching the teacher's NewPostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vms (
			cid TEXT PRIMARY KEY,
			agent_id UUID NOT NULL,
			deployment_id TEXT NOT NULL,
			env JSONB NOT NULL,
			credentials JSONB,
			vsock_cid INTEGER,
			apply_spec JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vms_deployment_id ON vms(deployment_id)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			index INTEGER NOT NULL,
			vm_cid TEXT REFERENCES vms(cid),
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_deployment_id ON instances(deployment_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveVM upserts a VmRecord, satisfying vmfactory.Store.
func (s *PostgresStore) SaveVM(ctx context.Context, vm *domain.VmRecord) error {
	if err := vm.Validate(); err != nil {
		return err
	}

	envData, err := json.Marshal(vm.Env)
	if err != nil {
		return fmt.Errorf("marshal vm env: %w", err)
	}
	var credsData []byte
	if vm.Credentials != nil {
		credsData, err = json.Marshal(vm.Credentials)
		if err != nil {
			return fmt.Errorf("marshal vm credentials: %w", err)
		}
	}
	var applySpecData []byte
	if vm.ApplySpec != nil {
		applySpecData, err = json.Marshal(vm.ApplySpec)
		if err != nil {
			return fmt.Errorf("marshal vm apply spec: %w", err)
		}
	}

	createdAt := vm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO vms (cid, agent_id, deployment_id, env, credentials, vsock_cid, apply_spec, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7::jsonb, $8)
		ON CONFLICT (cid) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			deployment_id = EXCLUDED.deployment_id,
			env = EXCLUDED.env,
			credentials = EXCLUDED.credentials,
			vsock_cid = EXCLUDED.vsock_cid,
			apply_spec = EXCLUDED.apply_spec
	`, vm.CID, vm.AgentID, vm.DeploymentID, envData, nullableJSON(credsData), vm.VsockCID, nullableJSON(applySpecData), createdAt)
	if err != nil {
		return fmt.Errorf("save vm: %w", err)
	}
	return nil
}

// SaveVMApplySpec restores an apply spec onto an existing VM record,
// satisfying vmfactory.Store's recreate-path persistence.
func (s *PostgresStore) SaveVMApplySpec(ctx context.Context, cid string, spec map[string]any) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal vm apply spec: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `UPDATE vms SET apply_spec = $1::jsonb WHERE cid = $2`, data, cid)
	if err != nil {
		return fmt.Errorf("save vm apply spec: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("vm not found: %s", cid)
	}
	return nil
}

// GetVM fetches a VmRecord by cid.
func (s *PostgresStore) GetVM(ctx context.Context, cid string) (*domain.VmRecord, error) {
	var (
		agentID, deploymentID          string
		envData, credsData, applyData []byte
		vsockCID                      uint32
		createdAt                     time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, deployment_id, env, credentials, vsock_cid, apply_spec, created_at
		FROM vms WHERE cid = $1
	`, cid).Scan(&agentID, &deploymentID, &envData, &credsData, &vsockCID, &applyData, &createdAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("vm not found: %s", cid)
	}
	if err != nil {
		return nil, fmt.Errorf("get vm: %w", err)
	}

	vm := &domain.VmRecord{
		CID:          cid,
		AgentID:      agentID,
		DeploymentID: deploymentID,
		VsockCID:     vsockCID,
		CreatedAt:    createdAt,
	}
	if err := json.Unmarshal(envData, &vm.Env); err != nil {
		return nil, fmt.Errorf("unmarshal vm env: %w", err)
	}
	if len(credsData) > 0 {
		var creds domain.AgentCredentials
		if err := json.Unmarshal(credsData, &creds); err != nil {
			return nil, fmt.Errorf("unmarshal vm credentials: %w", err)
		}
		vm.Credentials = &creds
	}
	if len(applyData) > 0 {
		if err := json.Unmarshal(applyData, &vm.ApplySpec); err != nil {
			return nil, fmt.Errorf("unmarshal vm apply spec: %w", err)
		}
	}
	return vm, nil
}

// DeleteVM removes a VmRecord, satisfying vmfactory.Store. Deleting an
// unknown cid is not an error: spec.md §4.D's delete_vm already swallows
// CPI errors, and a store-level delete after compensation may race a
// delete that already happened.
func (s *PostgresStore) DeleteVM(ctx context.Context, cid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM vms WHERE cid = $1`, cid); err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	return nil
}

// BindInstanceToVM satisfies domain.InstanceStore, binding the instance
// row's vm_cid.
func (s *PostgresStore) BindInstanceToVM(ctx context.Context, instanceID, vmCID string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE instances SET vm_cid = $1 WHERE id = $2`, vmCID, instanceID)
	if err != nil {
		return fmt.Errorf("bind instance to vm: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	return nil
}

// SaveInstanceCloudProperties satisfies domain.InstanceStore, merging
// cloud_properties into the instance's data blob.
func (s *PostgresStore) SaveInstanceCloudProperties(ctx context.Context, instanceID string, props map[string]any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal cloud properties: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE instances SET data = jsonb_set(data, '{cloud_properties}', $1::jsonb, true)
		WHERE id = $2
	`, data, instanceID)
	if err != nil {
		return fmt.Errorf("save instance cloud properties: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	return nil
}

// SaveInstance upserts an instance's desired-state row ahead of VM
// creation.
func (s *PostgresStore) SaveInstance(ctx context.Context, inst *domain.InstanceModel) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	data, err := json.Marshal(inst.CloudProperties)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instances (id, deployment_id, job_name, index, vm_cid, data)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			deployment_id = EXCLUDED.deployment_id,
			job_name = EXCLUDED.job_name,
			index = EXCLUDED.index,
			data = EXCLUDED.data
	`, inst.ID, inst.Deployment.ID, inst.JobName, inst.Index, inst.VMCID, data)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
