// Package slots leases pooled bus topics to relay instances. The pool keeps
// topic creation bounded: an instance claims one named slot on startup,
// heartbeats it while alive, and releases it on shutdown; abandoned slots are
// reclaimed after the stale window.
package slots

import (
	"context"
	"log/slog"
	"time"

	"github.com/homecast/homecast/internal/relay/store"
)

const (
	// HeartbeatInterval is the lease refresh cadence.
	HeartbeatInterval = 60 * time.Second
	// StaleAfter is the window after which an unrefreshed lease may be
	// reclaimed by another instance.
	StaleAfter = 5 * time.Minute
)

// Registry manages this instance's slot lease.
type Registry struct {
	store      *store.Store
	instanceID string
}

// New creates a slot Registry for an instance.
func New(st *store.Store, instanceID string) *Registry {
	return &Registry{store: st, instanceID: instanceID}
}

func staleBefore() time.Time {
	return time.Now().UTC().Add(-StaleAfter)
}

// Claim leases a slot to this instance: its own previous slot if one exists,
// else any free or abandoned slot, else a freshly named one. Returns the
// slot name.
func (r *Registry) Claim(ctx context.Context) (string, error) {
	slot, err := r.store.ClaimSlot(ctx, r.instanceID, staleBefore())
	if err != nil {
		return "", err
	}
	return slot.SlotName, nil
}

// Heartbeat refreshes this instance's lease. No-op when no slot is held.
func (r *Registry) Heartbeat(ctx context.Context) error {
	return r.store.SlotHeartbeat(ctx, r.instanceID)
}

// Release returns this instance's slot to the pool.
func (r *Registry) Release(ctx context.Context) error {
	return r.store.ReleaseSlot(ctx, r.instanceID)
}

// LookupSlotByInstance resolves any instance to its active slot name.
func (r *Registry) LookupSlotByInstance(ctx context.Context, instanceID string) (string, bool, error) {
	return r.store.LookupSlotByInstance(ctx, instanceID, staleBefore())
}

// ActiveSlots lists the names of every slot with a live lease.
func (r *Registry) ActiveSlots(ctx context.Context) ([]string, error) {
	slots, err := r.store.ListActiveSlots(ctx, staleBefore())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(slots))
	for _, s := range slots {
		names = append(names, s.SlotName)
	}
	return names, nil
}

// RunHeartbeat refreshes the lease every HeartbeatInterval until ctx is
// cancelled. Errors are logged and the loop continues.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				slog.Error("slot heartbeat failed", "instance", r.instanceID, "error", err)
			}
		}
	}
}
