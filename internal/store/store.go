// Package store persists control-plane state in BoltDB. One bucket per
// logical table; values are JSON. The single-writer transaction model of
// Bolt is what serializes alert get-or-create on the dedup key.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts            = []byte("docker_hosts")
	bucketAgents           = []byte("agents")
	bucketRegTokens        = []byte("registration_tokens")
	bucketContainerUpdates = []byte("container_updates")
	bucketHealthChecks     = []byte("container_http_health_checks")
	bucketAutoRestart      = []byte("auto_restart_configs")
	bucketDesiredStates    = []byte("container_desired_states")
	bucketAlerts           = []byte("alerts")
	bucketAlertDedup       = []byte("alerts_dedup_index") // dedup key -> alert id, non-resolved only
	bucketAlertRules       = []byte("alert_rules")
	bucketAnnotations      = []byte("alert_annotations")
	bucketTags             = []byte("tags")
	bucketTagAssignments   = []byte("tag_assignments")
	bucketDigestCache      = []byte("image_digest_cache")
	bucketDeployments      = []byte("deployments")
	bucketDeployMeta       = []byte("deployment_metadata")
	bucketEventLog         = []byte("event_log")
)

var allBuckets = [][]byte{
	bucketHosts, bucketAgents, bucketRegTokens,
	bucketContainerUpdates, bucketHealthChecks, bucketAutoRestart,
	bucketDesiredStates, bucketAlerts, bucketAlertDedup, bucketAlertRules,
	bucketAnnotations, bucketTags, bucketTagAssignments, bucketDigestCache,
	bucketDeployments, bucketDeployMeta, bucketEventLog,
}

// Store wraps a BoltDB database for DockMon persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// putJSON marshals v and stores it under key in bucket, inside tx.
func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// getJSON loads key from bucket into v. Returns false if the key is absent.
func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) (bool, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// saveOne is the common single-key write path.
func (s *Store) saveOne(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucket, key, v)
	})
}

// loadOne is the common single-key read path.
func (s *Store) loadOne(bucket []byte, key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucket, key, v)
		return err
	})
	return found, err
}

// deleteOne removes a single key. Deleting an absent key is not an error.
func (s *Store) deleteOne(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// unmarshalLenient decodes a stored value. Callers iterating whole buckets
// skip undecodable rows rather than aborting the scan.
func unmarshalLenient(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
