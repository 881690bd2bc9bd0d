package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// SaveHost creates or replaces a host record.
func (s *Store) SaveHost(h Host) error {
	return s.saveOne(bucketHosts, h.ID, h)
}

// GetHost returns a host by id. Returns nil, nil when absent.
func (s *Store) GetHost(id string) (*Host, error) {
	var h Host
	found, err := s.loadOne(bucketHosts, id, &h)
	if err != nil || !found {
		return nil, err
	}
	return &h, nil
}

// ListHosts returns all registered hosts.
func (s *Store) ListHosts() ([]Host, error) {
	var hosts []Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h Host
			if err := unmarshalLenient(v, &h); err == nil {
				hosts = append(hosts, h)
			}
			return nil
		})
	})
	return hosts, err
}

// DeleteHost removes a host record.
func (s *Store) DeleteHost(id string) error {
	return s.deleteOne(bucketHosts, id)
}

// SetHostStatus updates a host's status and last-checked stamp in place.
func (s *Store) SetHostStatus(id, status string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var h Host
		found, err := getJSON(tx, bucketHosts, id, &h)
		if err != nil || !found {
			return err
		}
		h.Status = status
		h.LastChecked = &at
		return putJSON(tx, bucketHosts, id, h)
	})
}

// SaveAgent creates or replaces an agent record.
func (s *Store) SaveAgent(a Agent) error {
	return s.saveOne(bucketAgents, a.ID, a)
}

// GetAgent returns an agent by id. Returns nil, nil when absent.
func (s *Store) GetAgent(id string) (*Agent, error) {
	var a Agent
	found, err := s.loadOne(bucketAgents, id, &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// GetAgentByHost returns the agent bound to the given host, if any.
func (s *Store) GetAgentByHost(hostID string) (*Agent, error) {
	var match *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := unmarshalLenient(v, &a); err == nil && a.HostID == hostID {
				match = &a
			}
			return nil
		})
	})
	return match, err
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(id string) error {
	return s.deleteOne(bucketAgents, id)
}

// SetAgentStatus updates an agent's status and last-seen stamp.
func (s *Store) SetAgentStatus(id, status string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var a Agent
		found, err := getJSON(tx, bucketAgents, id, &a)
		if err != nil || !found {
			return err
		}
		a.Status = status
		a.LastSeen = &at
		return putJSON(tx, bucketAgents, id, a)
	})
}

// TouchAgent updates only an agent's last-seen stamp (heartbeat path).
func (s *Store) TouchAgent(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var a Agent
		found, err := getJSON(tx, bucketAgents, id, &a)
		if err != nil || !found {
			return err
		}
		a.LastSeen = &at
		return putJSON(tx, bucketAgents, id, a)
	})
}

// SaveRegistrationToken persists a single-use registration token.
func (s *Store) SaveRegistrationToken(t RegistrationToken) error {
	return s.saveOne(bucketRegTokens, t.ID, t)
}

// ConsumeRegistrationToken atomically validates and marks a token used.
// Returns nil, nil when the token is absent, already used, or expired.
func (s *Store) ConsumeRegistrationToken(id string, now time.Time) (*RegistrationToken, error) {
	var out *RegistrationToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		var t RegistrationToken
		found, err := getJSON(tx, bucketRegTokens, id, &t)
		if err != nil || !found {
			return err
		}
		if t.Used || now.After(t.ExpiresAt) {
			return nil
		}
		t.Used = true
		if err := putJSON(tx, bucketRegTokens, id, t); err != nil {
			return err
		}
		out = &t
		return nil
	})
	return out, err
}

// PurgeExpiredTokens deletes registration tokens whose expiry has passed.
func (s *Store) PurgeExpiredTokens(now time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegTokens)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var t RegistrationToken
			if err := unmarshalLenient(v, &t); err == nil && now.After(t.ExpiresAt) {
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
