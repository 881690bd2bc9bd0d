package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// GetOrCreateAlert implements the serialized SELECT-or-INSERT on the dedup
// key. If a non-resolved alert exists for fresh.DedupKey, onExisting mutates
// it (bump occurrences, promote severity) and the updated row is returned
// with created=false. Otherwise fresh is inserted and returned with
// created=true. Bolt's single-writer transaction makes this linearizable
// per dedup key.
func (s *Store) GetOrCreateAlert(fresh Alert, onExisting func(*Alert)) (*Alert, bool, error) {
	var (
		out     *Alert
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		dedup := tx.Bucket(bucketAlertDedup)
		if idBytes := dedup.Get([]byte(fresh.DedupKey)); idBytes != nil {
			var existing Alert
			found, err := getJSON(tx, bucketAlerts, string(idBytes), &existing)
			if err != nil {
				return err
			}
			if found && existing.State != AlertResolved {
				if onExisting != nil {
					onExisting(&existing)
				}
				if err := putJSON(tx, bucketAlerts, existing.ID, existing); err != nil {
					return err
				}
				out = &existing
				return nil
			}
			// Stale index entry (row deleted or resolved out of band).
			if err := dedup.Delete([]byte(fresh.DedupKey)); err != nil {
				return err
			}
		}

		if fresh.ID == "" {
			return fmt.Errorf("alert id is required")
		}
		if err := putJSON(tx, bucketAlerts, fresh.ID, fresh); err != nil {
			return err
		}
		if err := dedup.Put([]byte(fresh.DedupKey), []byte(fresh.ID)); err != nil {
			return err
		}
		out = &fresh
		created = true
		return nil
	})
	return out, created, err
}

// GetAlert returns an alert by id, or nil.
func (s *Store) GetAlert(id string) (*Alert, error) {
	var a Alert
	found, err := s.loadOne(bucketAlerts, id, &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// GetOpenAlertByDedup returns the non-resolved alert for a dedup key, or nil.
func (s *Store) GetOpenAlertByDedup(dedupKey string) (*Alert, error) {
	var out *Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketAlertDedup).Get([]byte(dedupKey))
		if idBytes == nil {
			return nil
		}
		var a Alert
		found, err := getJSON(tx, bucketAlerts, string(idBytes), &a)
		if err != nil || !found {
			return err
		}
		if a.State != AlertResolved {
			out = &a
		}
		return nil
	})
	return out, err
}

// SaveAlert replaces an alert row, maintaining the dedup index: resolved
// alerts are removed from the index, non-resolved alerts are (re)indexed.
func (s *Store) SaveAlert(a Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketAlerts, a.ID, a); err != nil {
			return err
		}
		dedup := tx.Bucket(bucketAlertDedup)
		if a.State == AlertResolved {
			if cur := dedup.Get([]byte(a.DedupKey)); cur != nil && string(cur) == a.ID {
				return dedup.Delete([]byte(a.DedupKey))
			}
			return nil
		}
		return dedup.Put([]byte(a.DedupKey), []byte(a.ID))
	})
}

// ResolveAlert transitions an alert to resolved (terminal) with a reason.
// Resolving an already-resolved or absent alert is a no-op.
func (s *Store) ResolveAlert(id, reason string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var a Alert
		found, err := getJSON(tx, bucketAlerts, id, &a)
		if err != nil || !found {
			return err
		}
		if a.State == AlertResolved {
			return nil
		}
		a.State = AlertResolved
		a.ResolvedAt = &at
		a.ResolvedReason = reason
		if err := putJSON(tx, bucketAlerts, id, a); err != nil {
			return err
		}
		dedup := tx.Bucket(bucketAlertDedup)
		if cur := dedup.Get([]byte(a.DedupKey)); cur != nil && string(cur) == id {
			return dedup.Delete([]byte(a.DedupKey))
		}
		return nil
	})
}

// ListAlerts returns alerts matching the given state; empty state matches all.
func (s *Store) ListAlerts(state string) ([]Alert, error) {
	var out []Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a Alert
			if err := unmarshalLenient(v, &a); err == nil {
				if state == "" || a.State == state {
					out = append(out, a)
				}
			}
			return nil
		})
	})
	return out, err
}

// ListPendingNotifications returns open alerts that have not been notified.
// This is the queue for the deferred notification sweep.
func (s *Store) ListPendingNotifications() ([]Alert, error) {
	var out []Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a Alert
			if err := unmarshalLenient(v, &a); err == nil {
				if a.State == AlertOpen && a.NotifiedAt == nil {
					out = append(out, a)
				}
			}
			return nil
		})
	})
	return out, err
}

// MarkNotified stamps notified-at on an alert, provided it is still open.
// Returns false if the alert resolved in the meantime; the caller must
// not dispatch in that case.
func (s *Store) MarkNotified(id string, at time.Time) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var a Alert
		found, err := getJSON(tx, bucketAlerts, id, &a)
		if err != nil || !found {
			return err
		}
		if a.State != AlertOpen {
			return nil
		}
		a.NotifiedAt = &at
		ok = true
		return putJSON(tx, bucketAlerts, id, a)
	})
	return ok, err
}

// SnoozeAlert transitions an open alert to snoozed until the given time.
func (s *Store) SnoozeAlert(id string, until time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var a Alert
		found, err := getJSON(tx, bucketAlerts, id, &a)
		if err != nil || !found {
			return err
		}
		if a.State != AlertOpen {
			return fmt.Errorf("alert %s is %s, cannot snooze", id, a.State)
		}
		a.State = AlertSnoozed
		a.SnoozedUntil = &until
		return putJSON(tx, bucketAlerts, id, a)
	})
}

// WakeExpiredSnoozes returns to open every snoozed alert whose snooze has
// lapsed, and clears snoozed-until. Returns the woken alerts.
func (s *Store) WakeExpiredSnoozes(now time.Time) ([]Alert, error) {
	var woken []Alert
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		var updates []Alert
		err := b.ForEach(func(_, v []byte) error {
			var a Alert
			if err := unmarshalLenient(v, &a); err != nil {
				return nil
			}
			if a.State == AlertSnoozed && a.SnoozedUntil != nil && !a.SnoozedUntil.After(now) {
				a.State = AlertOpen
				a.SnoozedUntil = nil
				updates = append(updates, a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, a := range updates {
			if err := putJSON(tx, bucketAlerts, a.ID, a); err != nil {
				return err
			}
			woken = append(woken, a)
		}
		return nil
	})
	return woken, err
}

// PurgeResolvedAlerts deletes resolved alerts older than the cutoff.
func (s *Store) PurgeResolvedAlerts(cutoff time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a Alert
			if err := unmarshalLenient(v, &a); err == nil &&
				a.State == AlertResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// SaveRule creates or replaces an alert rule, bumping its version.
func (s *Store) SaveRule(r AlertRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var prev AlertRule
		found, err := getJSON(tx, bucketAlertRules, r.ID, &prev)
		if err != nil {
			return err
		}
		if found {
			r.Version = prev.Version + 1
		} else if r.Version == 0 {
			r.Version = 1
		}
		return putJSON(tx, bucketAlertRules, r.ID, r)
	})
}

// GetRule returns an alert rule by id, or nil.
func (s *Store) GetRule(id string) (*AlertRule, error) {
	var r AlertRule
	found, err := s.loadOne(bucketAlertRules, id, &r)
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

// ListRules returns all alert rules.
func (s *Store) ListRules() ([]AlertRule, error) {
	var out []AlertRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlertRules).ForEach(func(_, v []byte) error {
			var r AlertRule
			if err := unmarshalLenient(v, &r); err == nil {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

// DeleteRule removes an alert rule.
func (s *Store) DeleteRule(id string) error {
	return s.deleteOne(bucketAlertRules, id)
}

// AddAnnotation appends a note to an alert.
func (s *Store) AddAnnotation(an AlertAnnotation) error {
	key := fmt.Sprintf("%s::%s", an.AlertID, an.CreatedAt.UTC().Format(time.RFC3339Nano))
	return s.saveOne(bucketAnnotations, key, an)
}

// ListAnnotations returns all annotations for an alert, oldest first.
func (s *Store) ListAnnotations(alertID string) ([]AlertAnnotation, error) {
	var out []AlertAnnotation
	prefix := []byte(alertID + "::")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAnnotations).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var an AlertAnnotation
			if err := unmarshalLenient(v, &an); err == nil {
				out = append(out, an)
			}
		}
		return nil
	})
	return out, err
}
