package store

import (
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// assignmentKey builds the tag_assignments bucket key.
// Subject-prefixed so all assignments for one subject are adjacent.
func assignmentKey(subjectType, subjectID, tagID string) string {
	return subjectType + "::" + subjectID + "::" + tagID
}

// SaveTag creates or replaces a tag.
func (s *Store) SaveTag(t Tag) error {
	return s.saveOne(bucketTags, t.ID, t)
}

// GetTag returns a tag by id, or nil.
func (s *Store) GetTag(id string) (*Tag, error) {
	var t Tag
	found, err := s.loadOne(bucketTags, id, &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

// ListTags returns all tags.
func (s *Store) ListTags() ([]Tag, error) {
	var out []Tag
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(_, v []byte) error {
			var t Tag
			if err := unmarshalLenient(v, &t); err == nil {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// DeleteTag removes a tag and all of its assignments.
func (s *Store) DeleteTag(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTags).Delete([]byte(id)); err != nil {
			return err
		}
		b := tx.Bucket(bucketTagAssignments)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ta TagAssignment
			if err := unmarshalLenient(v, &ta); err == nil && ta.TagID == id {
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
		}
		return nil
	})
}

// SaveTagAssignment creates or replaces a tag assignment.
func (s *Store) SaveTagAssignment(ta TagAssignment) error {
	return s.saveOne(bucketTagAssignments, assignmentKey(ta.SubjectType, ta.SubjectID, ta.TagID), ta)
}

// DeleteTagAssignment removes a single assignment.
func (s *Store) DeleteTagAssignment(subjectType, subjectID, tagID string) error {
	return s.deleteOne(bucketTagAssignments, assignmentKey(subjectType, subjectID, tagID))
}

// ListAssignmentsForSubject returns all assignments for a subject.
func (s *Store) ListAssignmentsForSubject(subjectType, subjectID string) ([]TagAssignment, error) {
	var out []TagAssignment
	prefix := []byte(subjectType + "::" + subjectID + "::")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTagAssignments).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var ta TagAssignment
			if err := unmarshalLenient(v, &ta); err == nil {
				out = append(out, ta)
			}
		}
		return nil
	})
	return out, err
}

// FindAssignmentsByCompose returns assignments whose sticky metadata matches
// the given compose identity on the given host. Used for reattachment after
// container recreation.
func (s *Store) FindAssignmentsByCompose(hostID, project, service string) ([]TagAssignment, error) {
	return s.findAssignments(func(ta TagAssignment) bool {
		return ta.HostIDAtAttach == hostID &&
			ta.ComposeProject == project && ta.ComposeService == service &&
			project != "" && service != ""
	})
}

// FindAssignmentsByName returns assignments whose sticky metadata matches
// the given container name on the given host.
func (s *Store) FindAssignmentsByName(hostID, containerName string) ([]TagAssignment, error) {
	return s.findAssignments(func(ta TagAssignment) bool {
		return ta.HostIDAtAttach == hostID && ta.ContainerNameAtAttach == containerName
	})
}

// ListAssignmentsForTag returns every assignment carrying the given tag.
func (s *Store) ListAssignmentsForTag(tagID string) ([]TagAssignment, error) {
	return s.findAssignments(func(ta TagAssignment) bool {
		return ta.TagID == tagID
	})
}

func (s *Store) findAssignments(match func(TagAssignment) bool) ([]TagAssignment, error) {
	var out []TagAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTagAssignments).ForEach(func(_, v []byte) error {
			var ta TagAssignment
			if err := unmarshalLenient(v, &ta); err == nil && match(ta) {
				out = append(out, ta)
			}
			return nil
		})
	})
	return out, err
}

// TouchAssignment updates last-seen for an assignment, if present.
func (s *Store) TouchAssignment(subjectType, subjectID, tagID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := assignmentKey(subjectType, subjectID, tagID)
		var ta TagAssignment
		found, err := getJSON(tx, bucketTagAssignments, key, &ta)
		if err != nil || !found {
			return err
		}
		ta.LastSeenAt = at
		return putJSON(tx, bucketTagAssignments, key, ta)
	})
}

// PurgeOrphanAssignments deletes assignments not seen since the cutoff.
func (s *Store) PurgeOrphanAssignments(cutoff time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTagAssignments)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ta TagAssignment
			if err := unmarshalLenient(v, &ta); err == nil && ta.LastSeenAt.Before(cutoff) {
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

// migrateTagAssignments moves assignments from one container subject to
// another inside an open transaction. If the new subject already carries
// the same tag, the old assignment is dropped rather than duplicated.
func migrateTagAssignments(tx *bolt.Tx, oldKey, newKey string) error {
	b := tx.Bucket(bucketTagAssignments)
	prefix := []byte("container::" + oldKey + "::")

	type pending struct {
		key []byte
		ta  TagAssignment
	}
	var moves []pending

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var ta TagAssignment
		if err := unmarshalLenient(v, &ta); err != nil {
			continue
		}
		moves = append(moves, pending{key: append([]byte(nil), k...), ta: ta})
	}

	for _, m := range moves {
		newAssignKey := assignmentKey("container", newKey, m.ta.TagID)
		if b.Get([]byte(newAssignKey)) == nil {
			m.ta.SubjectID = newKey
			if err := putJSON(tx, bucketTagAssignments, newAssignKey, m.ta); err != nil {
				return err
			}
		}
		if err := b.Delete(m.key); err != nil {
			return err
		}
	}
	return nil
}

// deleteAssignmentsForSubject removes every assignment for a subject
// inside an open transaction.
func deleteAssignmentsForSubject(tx *bolt.Tx, subjectType, subjectID string) error {
	b := tx.Bucket(bucketTagAssignments)
	prefix := []byte(subjectType + "::" + subjectID + "::")
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
