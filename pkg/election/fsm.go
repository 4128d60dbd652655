package election

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// watermarkFSM replicates the scheduler's expansion watermarks: for each
// recurring schedule, the latest occurrence already expanded into a task
// instance. A newly elected leader resumes from the replicated marks instead
// of re-expanding occurrences the old leader handled.
type watermarkFSM struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

func newWatermarkFSM() *watermarkFSM {
	return &watermarkFSM{marks: make(map[string]time.Time)}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type watermark struct {
	ScheduleID string    `json:"schedule_id"`
	At         time.Time `json:"at"`
}

// Apply applies a committed Raft log entry to the FSM
func (f *watermarkFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "advance_watermark":
		var mark watermark
		if err := json.Unmarshal(cmd.Data, &mark); err != nil {
			return err
		}
		// Watermarks only move forward
		if current, ok := f.marks[mark.ScheduleID]; !ok || mark.At.After(current) {
			f.marks[mark.ScheduleID] = mark.At
		}
		return nil

	case "drop_watermark":
		var scheduleID string
		if err := json.Unmarshal(cmd.Data, &scheduleID); err != nil {
			return err
		}
		delete(f.marks, scheduleID)
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Watermark reads the replicated mark for one schedule
func (f *watermarkFSM) Watermark(scheduleID string) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	at, ok := f.marks[scheduleID]
	return at, ok
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *watermarkFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	marks := make(map[string]time.Time, len(f.marks))
	for id, at := range f.marks {
		marks[id] = at
	}
	return &watermarkSnapshot{Marks: marks}, nil
}

// Restore replaces FSM state from a snapshot
func (f *watermarkFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot watermarkSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = snapshot.Marks
	if f.marks == nil {
		f.marks = make(map[string]time.Time)
	}
	return nil
}

// watermarkSnapshot is a point-in-time copy of every replicated mark
type watermarkSnapshot struct {
	Marks map[string]time.Time `json:"marks"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *watermarkSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *watermarkSnapshot) Release() {}
