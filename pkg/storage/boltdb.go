package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/conduitq/conduit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks        = []byte("tasks")
	bucketWorkers      = []byte("workers")
	bucketExecutions   = []byte("executions")
	bucketDependencies = []byte("dependencies")
	bucketDLQ          = []byte("dlq")
	bucketWorkflows    = []byte("workflows")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conduit.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketWorkers,
			bucketExecutions,
			bucketDependencies,
			bucketDLQ,
			bucketWorkflows,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return readTask(tx, id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return true })
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.Status == status })
}

func (s *BoltStore) ListTasksByWorker(workerID string) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.WorkerID == workerID })
}

func (s *BoltStore) ListTasksByWorkflow(workflowID string) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.WorkflowID == workflowID })
}

func (s *BoltStore) listTasks(keep func(t *types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if !task.Tombstoned && keep(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	task.UpdatedAt = s.now()
	return s.CreateTask(task) // Same as create (upsert)
}

func (s *BoltStore) UpdateTaskStatus(id string, from types.TaskStatus, mutate func(t *types.Task) error, record RecordFunc) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := readTask(tx, id, &task); err != nil {
			return err
		}
		if task.Status != from {
			return fmt.Errorf("task %s is %s, expected %s: %w",
				id, task.Status, from, types.ErrInvalidTransition)
		}
		if err := mutate(&task); err != nil {
			return err
		}
		task.UpdatedAt = s.now()
		if err := putTask(tx, &task); err != nil {
			return err
		}
		if record != nil {
			if rec := record(&task); rec != nil {
				if err := putExecution(tx, rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Execution history

func (s *BoltStore) ListExecutions(taskID string) ([]*types.ExecutionRecord, error) {
	var records []*types.ExecutionRecord
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec types.ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

// Dependency operations

func (s *BoltStore) CreateDependency(dep *types.Dependency) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDependency(tx, dep)
	})
}

func (s *BoltStore) RemoveDependency(childID, parentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		return b.Delete(depKey(childID, parentID))
	})
}

func (s *BoltStore) ListDependenciesByChild(childID string) ([]*types.Dependency, error) {
	return s.listDependencies(func(d *types.Dependency) bool { return d.ChildID == childID })
}

func (s *BoltStore) ListDependenciesByParent(parentID string) ([]*types.Dependency, error) {
	return s.listDependencies(func(d *types.Dependency) bool { return d.ParentID == parentID })
}

func (s *BoltStore) listDependencies(keep func(d *types.Dependency) bool) ([]*types.Dependency, error) {
	var deps []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		return b.ForEach(func(k, v []byte) error {
			var dep types.Dependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			if keep(&dep) {
				deps = append(deps, &dep)
			}
			return nil
		})
	})
	return deps, err
}

// DLQ operations
//
// Keys are insertion-time ordered: zero-padded unix nanos plus the task id.
// The bucket may only gain entries; removal requires an explicit requeue or
// discard through RemoveDLQEntry.

func (s *BoltStore) CreateDLQEntry(entry *types.DLQEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(dlqKey(entry), data)
	})
}

func (s *BoltStore) GetDLQEntry(taskID string) (*types.DLQEntry, error) {
	var found *types.DLQEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DLQEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.TaskID == taskID {
				found = &entry
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("dlq entry for task %s: %w", taskID, types.ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListDLQ() ([]*types.DLQEntry, error) {
	var entries []*types.DLQEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DLQEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) RemoveDLQEntry(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		var key []byte
		err := b.ForEach(func(k, v []byte) error {
			var entry types.DLQEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.TaskID == taskID {
				key = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return fmt.Errorf("dlq entry for task %s: %w", taskID, types.ErrNotFound)
		}
		return b.Delete(key)
	})
}

// Workflow operations

func (s *BoltStore) CreateWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putWorkflow(tx, wf)
	})
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workflow %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	var workflows []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			workflows = append(workflows, &wf)
			return nil
		})
	})
	return workflows, err
}

func (s *BoltStore) SubmitWorkflow(wf *types.Workflow, tasks []*types.Task, deps []*types.Dependency) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putWorkflow(tx, wf); err != nil {
			return err
		}
		for _, task := range tasks {
			if err := putTask(tx, task); err != nil {
				return err
			}
		}
		for _, dep := range deps {
			if err := putDependency(tx, dep); err != nil {
				return err
			}
		}
		return nil
	})
}

// Worker operations

func (s *BoltStore) CreateWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker)
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// Helpers

func readTask(tx *bolt.Tx, id string, task *types.Task) error {
	b := tx.Bucket(bucketTasks)
	data := b.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	return json.Unmarshal(data, task)
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	b := tx.Bucket(bucketTasks)
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), data)
}

func putExecution(tx *bolt.Tx, rec *types.ExecutionRecord) error {
	b := tx.Bucket(bucketExecutions)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%04d", rec.TaskID, rec.Attempt)
	return b.Put([]byte(key), data)
}

func putDependency(tx *bolt.Tx, dep *types.Dependency) error {
	b := tx.Bucket(bucketDependencies)
	data, err := json.Marshal(dep)
	if err != nil {
		return err
	}
	return b.Put(depKey(dep.ChildID, dep.ParentID), data)
}

func putWorkflow(tx *bolt.Tx, wf *types.Workflow) error {
	b := tx.Bucket(bucketWorkflows)
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	return b.Put([]byte(wf.ID), data)
}

func depKey(childID, parentID string) []byte {
	return []byte(childID + "/" + parentID)
}

func dlqKey(entry *types.DLQEntry) []byte {
	return []byte(fmt.Sprintf("%020d/%s", entry.MovedAt.UnixNano(), entry.TaskID))
}
