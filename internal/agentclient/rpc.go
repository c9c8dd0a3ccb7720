package agentclient

import "context"

// Ping is the liveness probe WaitUntilReady issues repeatedly.
func (c *Client) Ping(ctx context.Context) (any, error) {
	return c.sendMessage(ctx, "ping", nil)
}

// GetState fetches the agent's current state, tagged with a correlation
// id for server-side deduplication.
func (c *Client) GetState(ctx context.Context) (any, error) {
	return c.sendMessage(ctx, "get_state", c.withCorrelationID("get_state", nil))
}

// Apply pushes a declarative apply spec to the agent.
func (c *Client) Apply(ctx context.Context, applySpec map[string]any) (any, error) {
	return c.sendMessage(ctx, "apply", []any{applySpec})
}

// Start starts the jobs the agent was last applied with.
func (c *Client) Start(ctx context.Context) (any, error) {
	return c.sendMessage(ctx, "start", nil)
}

// Stop stops the agent's jobs, with a 300s outer deadline on the task
// poll (not the per-request timeout).
func (c *Client) Stop(ctx context.Context) (any, error) {
	return c.sendMessageWithTimeout(ctx, "stop", stopOuterTimeout, nil)
}

// Prepare asks the agent to prepare for an apply spec without applying it.
func (c *Client) Prepare(ctx context.Context, applySpec map[string]any) (any, error) {
	return c.sendMessage(ctx, "prepare", []any{applySpec})
}

// Drain polls Config.Cancelled() during its wait; on cancellation it
// best-effort cancels the agent task and surfaces TaskCancelled.
func (c *Client) Drain(ctx context.Context, drainType string, applySpec map[string]any) (any, error) {
	return c.sendCancellableMessage(ctx, "drain", []any{drainType, applySpec})
}

// CompilePackage asks the agent to compile a package, returning its
// compiled-package blob id.
func (c *Client) CompilePackage(ctx context.Context, args []any) (any, error) {
	return c.sendMessage(ctx, "compile_package", args)
}

// FetchLogs asks the agent to tar up logs matching filters.
func (c *Client) FetchLogs(ctx context.Context, args []any) (any, error) {
	return c.sendMessage(ctx, "fetch_logs", c.withCorrelationID("fetch_logs", args))
}

// ListDisk lists the disk CIDs currently attached to the VM.
func (c *Client) ListDisk(ctx context.Context) (any, error) {
	return c.sendMessage(ctx, "list_disk", nil)
}

// MountDisk mounts the given persistent disk.
func (c *Client) MountDisk(ctx context.Context, diskCID string) (any, error) {
	return c.sendMessage(ctx, "mount_disk", []any{diskCID})
}

// UnmountDisk unmounts the given persistent disk.
func (c *Client) UnmountDisk(ctx context.Context, diskCID string) (any, error) {
	return c.sendMessage(ctx, "unmount_disk", []any{diskCID})
}

// MigrateDisk migrates data from one disk CID to another.
func (c *Client) MigrateDisk(ctx context.Context, fromCID, toCID string) (any, error) {
	return c.sendMessage(ctx, "migrate_disk", []any{fromCID, toCID})
}

// AssociateDisks tells the agent which disk CIDs map to which logical
// disk ids.
func (c *Client) AssociateDisks(ctx context.Context, cidToDiskID map[string]string) (any, error) {
	return c.sendMessage(ctx, "associate_disks", []any{cidToDiskID})
}

// RunScript runs a named lifecycle script (pre-start, post-deploy, ...).
// Agents that don't recognize the script name reply with an
// unknown-message exception, which is logged and swallowed.
func (c *Client) RunScript(ctx context.Context, name string, options map[string]any) (any, error) {
	return c.sendMessage(ctx, "run_script", []any{name, options})
}

// RunErrand runs the instance's errand job, cancellable mid-run.
func (c *Client) RunErrand(ctx context.Context) (any, error) {
	return c.sendCancellableMessage(ctx, "run_errand", nil)
}

// UpdateSettings pushes updated agent settings (trusted certs, disk
// associations, ...). Agents that don't recognize it reply with an
// unknown-message exception, which is logged and swallowed.
func (c *Client) UpdateSettings(ctx context.Context, settings map[string]any) (any, error) {
	return c.sendMessage(ctx, "update_settings", []any{settings})
}

// UploadBlob pushes a blob directly to the agent. Unlike update_settings
// and run_script, an unknown-message reply here is a distinct error
// (AgentUnsupportedAction), not silently swallowed.
func (c *Client) UploadBlob(ctx context.Context, blobID, checksum, payload string) (any, error) {
	return c.sendMessage(ctx, "upload_blob", []any{map[string]any{
		"blob_id":  blobID,
		"checksum": checksum,
		"payload":  payload,
	}})
}

// DeleteArpEntries is fire-and-forget: errors are logged, never raised.
func (c *Client) DeleteArpEntries(ctx context.Context, ips []string) {
	c.fireAndForget(ctx, "delete_arp_entries", []any{map[string]any{"ips": ips}})
}

// CancelTask cancels a previously issued long-running task by id.
func (c *Client) CancelTask(ctx context.Context, agentTaskID string) (any, error) {
	return c.sendMessage(ctx, "cancel_task", []any{agentTaskID})
}
