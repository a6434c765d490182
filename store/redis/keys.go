package redis

// Redis key naming conventions for capacity and queue-position data.
// All keys are prefixed with "sc:" to avoid collisions.

const keyPrefix = "sc:"

// ── Capacity keys ──

// runningKey returns the running counter for an org: sc:cap:running:{orgID}
func runningKey(orgID string) string { return keyPrefix + "cap:running:" + orgID }

// queuedKey returns the queued counter for an org: sc:cap:queued:{orgID}
func queuedKey(orgID string) string { return keyPrefix + "cap:queued:" + orgID }

// ── Ledger keys ──

// queueKey returns the per-org FIFO Sorted Set: sc:queue:{orgID}
func queueKey(orgID string) string { return keyPrefix + "queue:" + orgID }
