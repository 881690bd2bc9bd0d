package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// validDeployTransitions encodes the deployment state machine. From partial
// the only allowed transition is back to validating (retry).
var validDeployTransitions = map[string][]string{
	DeployPlanning:     {DeployValidating, DeployFailed},
	DeployValidating:   {DeployPullingImage, DeployFailed},
	DeployPullingImage: {DeployCreating, DeployFailed, DeployPartial, DeployRolledBack},
	DeployCreating:     {DeployStarting, DeployFailed, DeployPartial, DeployRolledBack},
	DeployStarting:     {DeployRunning, DeployFailed, DeployPartial, DeployRolledBack},
	DeployPartial:      {DeployValidating},
}

// SaveDeployment creates a deployment record in its initial state.
func (s *Store) SaveDeployment(d Deployment) error {
	return s.saveOne(bucketDeployments, d.ID, d)
}

// GetDeployment returns a deployment by id, or nil.
func (s *Store) GetDeployment(id string) (*Deployment, error) {
	var d Deployment
	found, err := s.loadOne(bucketDeployments, id, &d)
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

// TransitionDeployment moves a deployment to a new status, enforcing the
// state machine. Invalid transitions are rejected.
func (s *Store) TransitionDeployment(id, status, errMsg string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var d Deployment
		found, err := getJSON(tx, bucketDeployments, id, &d)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("deployment %s not found", id)
		}
		if !transitionAllowed(d.Status, status) {
			return fmt.Errorf("deployment %s: invalid transition %s -> %s", id, d.Status, status)
		}
		d.Status = status
		d.Error = errMsg
		d.UpdatedAt = at
		return putJSON(tx, bucketDeployments, id, d)
	})
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range validDeployTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ListDeployments returns deployments, optionally filtered by host.
func (s *Store) ListDeployments(hostID string) ([]Deployment, error) {
	var out []Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var d Deployment
			if err := unmarshalLenient(v, &d); err == nil {
				if hostID == "" || d.HostID == hostID {
					out = append(out, d)
				}
			}
			return nil
		})
	})
	return out, err
}
