// Package firecrackercpi implements cpi.CPI by spawning local Firecracker
// microVMs, grounded on internal/firecracker/vm.go's Manager: the CID
// allocation ring buffer (allocateCID/releaseCID) and the
// spawn-then-track lifecycle of CreateVM/StopVM, trimmed to the
// create_vm/delete_vm contract spec.md §6 defines — network bridging and
// the vsock wire protocol itself are "CPI protocol framing beyond
// create_vm/delete_vm," which spec.md §1 puts out of scope.
package firecrackercpi

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"

	"github.com/oriys/stratus/internal/cpi"
	"github.com/oriys/stratus/internal/logging"
)

// Config mirrors the subset of the teacher's firecracker.Config this CPI
// needs to spawn a microVM process.
type Config struct {
	FirecrackerBin string
	KernelPath     string
	RootfsDir      string
	SocketDir      string
	BootTimeout    time.Duration
}

// DefaultConfig matches the teacher's firecracker.DefaultConfig layout,
// generalized away from the single hardcoded NovaDir.
func DefaultConfig() *Config {
	base := "/opt/stratus"
	return &Config{
		FirecrackerBin: base + "/bin/firecracker",
		KernelPath:     base + "/kernel/vmlinux",
		RootfsDir:      base + "/rootfs",
		SocketDir:      "/tmp/stratus/sockets",
		BootTimeout:    10 * time.Second,
	}
}

type liveVM struct {
	cmd  *exec.Cmd
	cid  uint32
	sock string
}

// CPI tracks locally spawned Firecracker processes by the opaque cid it
// hands back to the VM Factory ("fc:<vm-id>").
type CPI struct {
	cfg *Config

	cidMu    sync.Mutex
	nextCID  uint32
	usedCIDs map[uint32]struct{}

	vmMu sync.Mutex
	vms  map[string]*liveVM
}

// New builds a CPI. A nil cfg uses DefaultConfig.
func New(cfg *Config) *CPI {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &CPI{
		cfg:      cfg,
		nextCID:  100,
		usedCIDs: make(map[uint32]struct{}),
		vms:      make(map[string]*liveVM),
	}
}

// allocateCID hands out the next free context id, skipping ids still in
// use and examining at most 65536 candidates per call. The uint32
// counter restarts at 100 when it overflows to 0.
func (c *CPI) allocateCID() (uint32, error) {
	c.cidMu.Lock()
	defer c.cidMu.Unlock()
	for i := 0; i < 1<<16; i++ {
		candidate := c.nextCID
		c.nextCID++
		if c.nextCID == 0 {
			c.nextCID = 100
		}
		if _, taken := c.usedCIDs[candidate]; taken {
			continue
		}
		c.usedCIDs[candidate] = struct{}{}
		return candidate, nil
	}
	return 0, fmt.Errorf("firecrackercpi: no available vsock context ids")
}

func (c *CPI) releaseCID(cid uint32) {
	if cid == 0 {
		return
	}
	c.cidMu.Lock()
	delete(c.usedCIDs, cid)
	c.cidMu.Unlock()
}

// CreateVM allocates a vsock context id, confirms the host vsock
// subsystem is reachable (not dialed — dialing into the guest agent is
// Component C's job, not the CPI's), and spawns a Firecracker process.
func (c *CPI) CreateVM(ctx context.Context, req cpi.CreateVMRequest) (cpi.CreateVMResult, error) {
	vmID := uuid.New().String()

	cid, err := c.allocateCID()
	if err != nil {
		return cpi.CreateVMResult{}, &cpi.VMCreationFailed{OkToRetry: false, Err: err}
	}

	if _, err := vsock.ContextID(); err != nil {
		c.releaseCID(cid)
		return cpi.CreateVMResult{}, &cpi.VMCreationFailed{OkToRetry: true, Err: fmt.Errorf("vsock subsystem unreachable: %w", err)}
	}

	sockPath := filepath.Join(c.cfg.SocketDir, vmID+".sock")
	if err := os.MkdirAll(c.cfg.SocketDir, 0o755); err != nil {
		c.releaseCID(cid)
		return cpi.CreateVMResult{}, &cpi.VMCreationFailed{OkToRetry: true, Err: err}
	}

	cmd := exec.CommandContext(ctx, c.cfg.FirecrackerBin, "--api-sock", sockPath, "--id", vmID)
	if err := cmd.Start(); err != nil {
		c.releaseCID(cid)
		return cpi.CreateVMResult{}, &cpi.VMCreationFailed{OkToRetry: true, Err: fmt.Errorf("spawn firecracker: %w", err)}
	}

	cidStr := "fc:" + vmID
	c.vmMu.Lock()
	c.vms[cidStr] = &liveVM{cmd: cmd, cid: cid, sock: sockPath}
	c.vmMu.Unlock()

	logging.Op().Info("firecrackercpi: vm created", "cid", cidStr, "vsock_cid", cid, "agent_id", req.AgentID)
	return cpi.CreateVMResult{CID: cidStr, VsockCID: cid}, nil
}

// DeleteVM kills the tracked Firecracker process and releases its
// context id. Errors are returned for the factory to log, per spec.md's
// "delete_vm errors are logged only" policy applied one layer up.
func (c *CPI) DeleteVM(ctx context.Context, cidStr string) error {
	c.vmMu.Lock()
	vm, ok := c.vms[cidStr]
	if ok {
		delete(c.vms, cidStr)
	}
	c.vmMu.Unlock()
	if !ok {
		return fmt.Errorf("firecrackercpi: unknown cid %q", cidStr)
	}

	c.releaseCID(vm.cid)
	if vm.cmd.Process != nil {
		if err := vm.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("firecrackercpi: kill process for %q: %w", cidStr, err)
		}
		_, _ = vm.cmd.Process.Wait()
	}
	_ = os.Remove(vm.sock)
	return nil
}
