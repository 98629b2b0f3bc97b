package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/homecast/homecast/internal/relay/id"
)

// maxSlotTokenAttempts bounds retries on primary-key collision when growing
// the slot pool.
const maxSlotTokenAttempts = 10

// ClaimSlot leases a pooled topic slot to an instance:
//
//  1. a slot already naming this instance is refreshed and returned;
//  2. otherwise any unowned or stale slot is taken over with a
//     compare-and-swap update;
//  3. otherwise the pool grows by one freshly named slot.
//
// staleBefore is the cutoff below which a lease is considered abandoned.
func (s *Store) ClaimSlot(ctx context.Context, instanceID string, staleBefore time.Time) (TopicSlot, error) {
	now := time.Now().UTC()

	// 1. Restart scenario: we still own a slot.
	if slot, err := s.slotByInstance(ctx, instanceID); err == nil {
		_, err := s.exec(ctx, `
			UPDATE topic_slots SET claimed_at = ?, last_heartbeat = ?
			WHERE slot_name = ?`, now, now, slot.SlotName)
		if err != nil {
			return TopicSlot{}, err
		}
		slot.ClaimedAt = sql.NullTime{Time: now, Valid: true}
		slot.LastHeartbeat = sql.NullTime{Time: now, Valid: true}
		return slot, nil
	} else if err != sql.ErrNoRows {
		return TopicSlot{}, err
	}

	// 2. Take over an unowned or abandoned slot. The WHERE clause re-checks
	// the claim condition so two racing instances cannot both win the row.
	for {
		var slotName string
		err := s.queryRow(ctx, `
			SELECT slot_name FROM topic_slots
			WHERE instance_id IS NULL OR last_heartbeat < ?
			LIMIT 1`, staleBefore).Scan(&slotName)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return TopicSlot{}, err
		}

		res, err := s.exec(ctx, `
			UPDATE topic_slots SET instance_id = ?, claimed_at = ?, last_heartbeat = ?
			WHERE slot_name = ? AND (instance_id IS NULL OR last_heartbeat < ?)`,
			instanceID, now, now, slotName, staleBefore)
		if err != nil {
			return TopicSlot{}, err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return TopicSlot{
				SlotName:      slotName,
				InstanceID:    sql.NullString{String: instanceID, Valid: true},
				ClaimedAt:     sql.NullTime{Time: now, Valid: true},
				LastHeartbeat: sql.NullTime{Time: now, Valid: true},
			}, nil
		}
		// Lost the race for this row; look for another candidate.
	}

	// 3. Grow the pool.
	for range maxSlotTokenAttempts {
		slotName := id.SlotToken()
		_, err := s.exec(ctx, `
			INSERT INTO topic_slots (slot_name, instance_id, claimed_at, last_heartbeat)
			VALUES (?, ?, ?, ?)`, slotName, instanceID, now, now)
		if err != nil {
			continue // primary-key collision, retry with a new token
		}
		return TopicSlot{
			SlotName:      slotName,
			InstanceID:    sql.NullString{String: instanceID, Valid: true},
			ClaimedAt:     sql.NullTime{Time: now, Valid: true},
			LastHeartbeat: sql.NullTime{Time: now, Valid: true},
		}, nil
	}
	return TopicSlot{}, fmt.Errorf("claim slot: could not insert a unique slot name after %d attempts", maxSlotTokenAttempts)
}

func (s *Store) slotByInstance(ctx context.Context, instanceID string) (TopicSlot, error) {
	var slot TopicSlot
	err := s.queryRow(ctx, `
		SELECT slot_name, instance_id, claimed_at, last_heartbeat
		FROM topic_slots WHERE instance_id = ?`, instanceID).
		Scan(&slot.SlotName, &slot.InstanceID, &slot.ClaimedAt, &slot.LastHeartbeat)
	return slot, err
}

// SlotHeartbeat refreshes the lease held by instanceID. No-op when the
// instance holds no slot.
func (s *Store) SlotHeartbeat(ctx context.Context, instanceID string) error {
	_, err := s.exec(ctx, `
		UPDATE topic_slots SET last_heartbeat = ? WHERE instance_id = ?`,
		time.Now().UTC(), instanceID)
	return err
}

// ReleaseSlot returns the slot held by instanceID to the pool.
func (s *Store) ReleaseSlot(ctx context.Context, instanceID string) error {
	_, err := s.exec(ctx, `
		UPDATE topic_slots SET instance_id = NULL, last_heartbeat = NULL
		WHERE instance_id = ?`, instanceID)
	return err
}

// LookupSlotByInstance resolves an instance to its non-stale slot name.
// ok is false when the instance holds no active lease.
func (s *Store) LookupSlotByInstance(ctx context.Context, instanceID string, staleBefore time.Time) (string, bool, error) {
	var slotName string
	err := s.queryRow(ctx, `
		SELECT slot_name FROM topic_slots
		WHERE instance_id = ? AND last_heartbeat >= ?`,
		instanceID, staleBefore).Scan(&slotName)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return slotName, true, nil
}

// ListActiveSlots returns every slot with a non-stale lease. Used to fan
// events out to all instances.
func (s *Store) ListActiveSlots(ctx context.Context, staleBefore time.Time) ([]TopicSlot, error) {
	rows, err := s.query(ctx, `
		SELECT slot_name, instance_id, claimed_at, last_heartbeat
		FROM topic_slots
		WHERE instance_id IS NOT NULL AND last_heartbeat >= ?
		ORDER BY slot_name`, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []TopicSlot
	for rows.Next() {
		var slot TopicSlot
		if err := rows.Scan(&slot.SlotName, &slot.InstanceID, &slot.ClaimedAt, &slot.LastHeartbeat); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// ForceSlotHeartbeat rewinds a slot lease's heartbeat. Test hook for
// stale-reclaim scenarios.
func (s *Store) ForceSlotHeartbeat(ctx context.Context, slotName string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE topic_slots SET last_heartbeat = ? WHERE slot_name = ?`, at, slotName)
	return err
}
