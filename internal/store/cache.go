package store

import (
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PutDigestCache stores a registry resolution.
func (s *Store) PutDigestCache(e DigestCacheEntry) error {
	return s.saveOne(bucketDigestCache, e.CacheKey, e)
}

// GetDigestCache returns the cache entry for a key, expired or not.
// TTL policy belongs to the registry adapter; nil means absent.
func (s *Store) GetDigestCache(key string) (*DigestCacheEntry, error) {
	var e DigestCacheEntry
	found, err := s.loadOne(bucketDigestCache, key, &e)
	if err != nil || !found {
		return nil, err
	}
	return &e, nil
}

// InvalidateDigestCachePrefix deletes every entry whose key starts with the
// given image reference. Called after a successful update so the next check
// sees the fresh digest.
func (s *Store) InvalidateDigestCachePrefix(imagePrefix string) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigestCache)
		var stale [][]byte
		c := b.Cursor()
		prefix := []byte(imagePrefix)
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), imagePrefix); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// EvictDigestCacheOverflow enforces the hard entry cap: when the bucket
// holds more than max entries, TTL-expired entries go first, then the
// oldest by checked-at in a 10% batch.
func (s *Store) EvictDigestCacheOverflow(max int, now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigestCache)
		if b.Stats().KeyN <= max {
			return nil
		}

		type aged struct {
			key       []byte
			checkedAt time.Time
		}
		var expired [][]byte
		var live []aged
		err := b.ForEach(func(k, v []byte) error {
			var e DigestCacheEntry
			if err := unmarshalLenient(v, &e); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if e.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			} else {
				live = append(live, aged{append([]byte(nil), k...), e.CheckedAt})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		if len(live) <= max {
			return nil
		}
		sort.Slice(live, func(i, j int) bool { return live[i].checkedAt.Before(live[j].checkedAt) })
		batch := max / 10
		if batch < 1 {
			batch = 1
		}
		if batch > len(live) {
			batch = len(live)
		}
		for _, a := range live[:batch] {
			if err := b.Delete(a.key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// SweepDigestCache deletes entries past their TTL.
func (s *Store) SweepDigestCache(now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDigestCache)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e DigestCacheEntry
			if err := unmarshalLenient(v, &e); err == nil && e.Expired(now) {
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
			removed++
		}
		return nil
	})
	return removed, err
}
