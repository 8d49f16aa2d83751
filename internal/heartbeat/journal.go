// Package heartbeat implements the HeartbeatMonitor: in-process liveness
// timers keyed by runId, backed by a local bbolt journal so a restart can
// log which runs were being watched before the process died. The
// journal takes over the role the teacher's WorkflowStore gave bbolt (an
// embedded, fsync'd KV store) but is scoped to a single advisory purpose —
// the database remains the system of record for TaskRun status.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketDeadlines = []byte("heartbeat_deadlines")

// Journal is a local, crash-durable record of armed heartbeat deadlines.
// The startup sweep only logs how many journaled deadlines are overdue; it
// scans the database either way. The journal is never authoritative.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens (creating if absent) the bbolt file at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open heartbeat journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeadlines)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create heartbeat journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying bbolt file.
func (j *Journal) Close() error { return j.db.Close() }

// deadlineRecord is what's persisted per runId.
type deadlineRecord struct {
	TaskID   string    `json:"taskId"`
	Deadline time.Time `json:"deadline"`
}

// Arm records that runID is being watched with the given deadline.
func (j *Journal) Arm(runID, taskID string, deadline time.Time) error {
	data, err := json.Marshal(deadlineRecord{TaskID: taskID, Deadline: deadline})
	if err != nil {
		return fmt.Errorf("marshal heartbeat deadline for %s: %w", runID, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadlines).Put([]byte(runID), data)
	})
}

// Disarm removes runID from the journal (terminal status reached, or
// tracking cancelled).
func (j *Journal) Disarm(runID string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadlines).Delete([]byte(runID))
	})
}

// Overdue returns every runID whose journaled deadline has already passed,
// for the startup sweep to log.
func (j *Journal) Overdue(now time.Time) (map[string]string, error) {
	overdue := make(map[string]string)
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadlines).ForEach(func(k, v []byte) error {
			var rec deadlineRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip malformed entries rather than failing the whole sweep
			}
			if now.After(rec.Deadline) {
				overdue[string(k)] = rec.TaskID
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan heartbeat journal: %w", err)
	}
	return overdue, nil
}
