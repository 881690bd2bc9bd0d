package store

import (
	"strings"

	bolt "go.etcd.io/bbolt"
)

// SaveContainerUpdate creates or replaces a container update row.
func (s *Store) SaveContainerUpdate(cu ContainerUpdate) error {
	return s.saveOne(bucketContainerUpdates, cu.Key, cu)
}

// GetContainerUpdate returns the update row for a composite key, or nil.
func (s *Store) GetContainerUpdate(key string) (*ContainerUpdate, error) {
	var cu ContainerUpdate
	found, err := s.loadOne(bucketContainerUpdates, key, &cu)
	if err != nil || !found {
		return nil, err
	}
	return &cu, nil
}

// ListContainerUpdates returns all update rows, optionally filtered by host.
func (s *Store) ListContainerUpdates(hostID string) ([]ContainerUpdate, error) {
	var out []ContainerUpdate
	prefix := ""
	if hostID != "" {
		prefix = hostID + ":"
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainerUpdates).ForEach(func(k, v []byte) error {
			if prefix != "" && !strings.HasPrefix(string(k), prefix) {
				return nil
			}
			var cu ContainerUpdate
			if err := unmarshalLenient(v, &cu); err == nil {
				out = append(out, cu)
			}
			return nil
		})
	})
	return out, err
}

// DeleteContainerUpdate removes an update row.
func (s *Store) DeleteContainerUpdate(key string) error {
	return s.deleteOne(bucketContainerUpdates, key)
}

// SaveHealthCheck creates or replaces an HTTP health check row.
func (s *Store) SaveHealthCheck(hc ContainerHTTPHealthCheck) error {
	return s.saveOne(bucketHealthChecks, hc.Key, hc)
}

// GetHealthCheck returns the health check for a composite key, or nil.
func (s *Store) GetHealthCheck(key string) (*ContainerHTTPHealthCheck, error) {
	var hc ContainerHTTPHealthCheck
	found, err := s.loadOne(bucketHealthChecks, key, &hc)
	if err != nil || !found {
		return nil, err
	}
	return &hc, nil
}

// ListHealthChecks returns all HTTP health check rows.
func (s *Store) ListHealthChecks() ([]ContainerHTTPHealthCheck, error) {
	var out []ContainerHTTPHealthCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealthChecks).ForEach(func(_, v []byte) error {
			var hc ContainerHTTPHealthCheck
			if err := unmarshalLenient(v, &hc); err == nil {
				out = append(out, hc)
			}
			return nil
		})
	})
	return out, err
}

// DeleteHealthCheck removes a health check row.
func (s *Store) DeleteHealthCheck(key string) error {
	return s.deleteOne(bucketHealthChecks, key)
}

// SaveAutoRestart creates or replaces an auto-restart config row.
func (s *Store) SaveAutoRestart(ar AutoRestartConfig) error {
	return s.saveOne(bucketAutoRestart, ar.Key, ar)
}

// GetAutoRestart returns the auto-restart config for a composite key, or nil.
func (s *Store) GetAutoRestart(key string) (*AutoRestartConfig, error) {
	var ar AutoRestartConfig
	found, err := s.loadOne(bucketAutoRestart, key, &ar)
	if err != nil || !found {
		return nil, err
	}
	return &ar, nil
}

// SaveDesiredState creates or replaces a desired-state row.
func (s *Store) SaveDesiredState(ds ContainerDesiredState) error {
	return s.saveOne(bucketDesiredStates, ds.Key, ds)
}

// GetDesiredState returns the desired state for a composite key, or nil.
func (s *Store) GetDesiredState(key string) (*ContainerDesiredState, error) {
	var ds ContainerDesiredState
	found, err := s.loadOne(bucketDesiredStates, key, &ds)
	if err != nil || !found {
		return nil, err
	}
	return &ds, nil
}

// SaveDeploymentMetadata creates or replaces a deployment metadata row.
func (s *Store) SaveDeploymentMetadata(dm DeploymentMetadata) error {
	return s.saveOne(bucketDeployMeta, dm.Key, dm)
}

// GetDeploymentMetadata returns deployment metadata for a composite key, or nil.
func (s *Store) GetDeploymentMetadata(key string) (*DeploymentMetadata, error) {
	var dm DeploymentMetadata
	found, err := s.loadOne(bucketDeployMeta, key, &dm)
	if err != nil || !found {
		return nil, err
	}
	return &dm, nil
}

// MigrateCompositeKey moves every container-scoped row from oldKey to
// newKey after a recreation. Config fields are carried over; state fields
// are reset. When the update checker has raced us and already inserted a
// row under the new key, the executor wins: the conflicting row is deleted
// and the migrated row retained. Tag assignments are the exception: if an
// assignment already exists for the new subject with the same tag, the
// migration is skipped for that assignment.
func (s *Store) MigrateCompositeKey(oldKey, newKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// container_updates: carry config, reset state.
		var cu ContainerUpdate
		if found, err := getJSON(tx, bucketContainerUpdates, oldKey, &cu); err != nil {
			return err
		} else if found {
			cu.Key = newKey
			cu.ResetState()
			if err := putJSON(tx, bucketContainerUpdates, newKey, cu); err != nil {
				return err
			}
			if err := tx.Bucket(bucketContainerUpdates).Delete([]byte(oldKey)); err != nil {
				return err
			}
		}

		// container_http_health_checks: carry config, reset state.
		var hc ContainerHTTPHealthCheck
		if found, err := getJSON(tx, bucketHealthChecks, oldKey, &hc); err != nil {
			return err
		} else if found {
			hc.Key = newKey
			hc.ResetState()
			if err := putJSON(tx, bucketHealthChecks, newKey, hc); err != nil {
				return err
			}
			if err := tx.Bucket(bucketHealthChecks).Delete([]byte(oldKey)); err != nil {
				return err
			}
		}

		// Config-only rows move verbatim.
		var ar AutoRestartConfig
		if found, err := getJSON(tx, bucketAutoRestart, oldKey, &ar); err != nil {
			return err
		} else if found {
			ar.Key = newKey
			if err := putJSON(tx, bucketAutoRestart, newKey, ar); err != nil {
				return err
			}
			if err := tx.Bucket(bucketAutoRestart).Delete([]byte(oldKey)); err != nil {
				return err
			}
		}

		var ds ContainerDesiredState
		if found, err := getJSON(tx, bucketDesiredStates, oldKey, &ds); err != nil {
			return err
		} else if found {
			ds.Key = newKey
			if err := putJSON(tx, bucketDesiredStates, newKey, ds); err != nil {
				return err
			}
			if err := tx.Bucket(bucketDesiredStates).Delete([]byte(oldKey)); err != nil {
				return err
			}
		}

		var dm DeploymentMetadata
		if found, err := getJSON(tx, bucketDeployMeta, oldKey, &dm); err != nil {
			return err
		} else if found {
			dm.Key = newKey
			if err := putJSON(tx, bucketDeployMeta, newKey, dm); err != nil {
				return err
			}
			if err := tx.Bucket(bucketDeployMeta).Delete([]byte(oldKey)); err != nil {
				return err
			}
		}

		// tag_assignments: key is "{subjectType}::{subjectID}::{tagID}".
		return migrateTagAssignments(tx, oldKey, newKey)
	})
}

// DeleteContainerScoped removes all container-scoped rows for a composite
// key. Used by maintenance when a key no longer resolves to a live container.
func (s *Store) DeleteContainerScoped(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketContainerUpdates, bucketHealthChecks,
			bucketAutoRestart, bucketDesiredStates, bucketDeployMeta,
		} {
			if err := tx.Bucket(b).Delete([]byte(key)); err != nil {
				return err
			}
		}
		return deleteAssignmentsForSubject(tx, "container", key)
	})
}
