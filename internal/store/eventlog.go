package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AppendEvent persists an operator-visible event. Keys are timestamp-ordered
// so retention purges can walk a prefix range.
func (s *Store) AppendEvent(e EventLogEntry) error {
	key := fmt.Sprintf("%s::%s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.ID)
	return s.saveOne(bucketEventLog, key, e)
}

// ListEvents returns the most recent events, up to limit, newest first.
func (s *Store) ListEvents(limit int) ([]EventLogEntry, error) {
	var out []EventLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEventLog).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e EventLogEntry
			if err := unmarshalLenient(v, &e); err == nil {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// PurgeEventsBefore deletes events older than the cutoff.
func (s *Store) PurgeEventsBefore(cutoff time.Time) (int, error) {
	var purged int
	limit := []byte(cutoff.UTC().Format(time.RFC3339Nano))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
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
