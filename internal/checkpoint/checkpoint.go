// Package checkpoint implements the Checkpointer of spec §4.5: periodic
// durable snapshots of run state, and the resume protocol that rehydrates a
// DAG from a prior snapshot.
//
// The durable-log-as-recovery-state technique (temp-file-then-rename,
// reconstruct-then-continue) is grounded on saga/saga.go's
// StartTask/EndTask/rehydrate discipline, adapted from Scoot's
// append-only saga log to this spec's single-file snapshot-and-overwrite
// model (the original has no append-log analog for this module).
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
)

// TaskSnapshot is one task's persisted status fields.
type TaskSnapshot struct {
	ID           string           `json:"id"`
	Status       model.TaskStatus `json:"status"`
	Start        time.Time        `json:"start"`
	Finish       time.Time        `json:"finish"`
	Attempts     int              `json:"attempts"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Snapshot is the complete durable checkpoint for one run.
type Snapshot struct {
	RunID        string         `json:"run_id"`
	Workflow     string         `json:"workflow"`
	TaskFilePath string         `json:"taskfile_path"`
	TaskFileHash string         `json:"taskfile_hash"`
	CapturedAt   time.Time      `json:"captured_at"`
	Tasks        []TaskSnapshot `json:"tasks"`
}

// CaptureFunc produces a fresh Snapshot by reading current run state under
// whatever lock the caller (the Scheduler's owner) holds. It must return
// quickly - the spec requires holding the scheduler mutex for "the minimum
// time required to copy status fields".
type CaptureFunc func() Snapshot

// Checkpointer periodically writes a Snapshot to path, and can rehydrate a
// DAG from a Snapshot on resume.
type Checkpointer struct {
	path     string
	interval time.Duration
	capture  CaptureFunc

	mu      sync.Mutex
	stopped chan struct{}
	done    chan struct{}
}

// New constructs a Checkpointer. A zero interval disables the periodic loop
// (spec's --no-checkpoint); WriteNow/Delete remain usable either way.
func New(path string, interval time.Duration, capture CaptureFunc) *Checkpointer {
	return &Checkpointer{path: path, interval: interval, capture: capture}
}

// Start launches the periodic snapshot loop; it returns immediately. Stop
// must be called to release the goroutine.
func (c *Checkpointer) Start() {
	if c.interval <= 0 || c.path == "" {
		return
	}
	c.mu.Lock()
	c.stopped = make(chan struct{})
	c.done = make(chan struct{})
	stopped, done := c.stopped, c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ticker.C:
				_ = c.WriteNow()
			}
		}
	}()
}

// Stop halts the periodic loop and waits for it to exit.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	stopped, done := c.stopped, c.done
	c.mu.Unlock()
	if stopped == nil {
		return
	}
	close(stopped)
	<-done
}

// WriteNow captures and persists one snapshot immediately, via
// temp-file-then-atomic-rename so a reader never observes a partial file.
func (c *Checkpointer) WriteNow() error {
	snap := c.capture()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindConfigError, "marshaling checkpoint", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindConfigError, "creating temp checkpoint file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindConfigError, "writing temp checkpoint file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindConfigError, "closing temp checkpoint file", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindConfigError, "renaming checkpoint into place", err)
	}
	return nil
}

// Delete removes the checkpoint file; a missing file is not an error (spec
// §4.5: the checkpoint is deleted only on a fully successful run, so a
// second Delete on an already-clean run is a no-op).
func (c *Checkpointer) Delete() error {
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindConfigError, "deleting checkpoint file", err)
	}
	return nil
}

// Load reads and parses a checkpoint file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errs.Wrap(errs.KindConfigError, "parsing checkpoint file", err)
	}
	return &snap, nil
}

// HashTaskFile returns the content hash used to detect a checkpoint that no
// longer matches the workflow file it was taken against.
func HashTaskFile(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Resume rehydrates dag's vertex statuses from snap, per spec §4.5's
// protocol: SUCCEEDED/SKIPPED finalize as-is, FAILED resets to PENDING for
// re-attempt, RUNNING resets to PENDING only if the task's own safe_retry
// flag allows it (otherwise the resume fails unless force is set).
// taskFileHash is the hash of the workflow file being resumed against; a
// mismatch against snap.TaskFileHash fails the resume unless force is set.
func Resume(dag *model.DAG, snap *Snapshot, taskFileHash string, force bool) error {
	if snap.TaskFileHash != "" && taskFileHash != "" && snap.TaskFileHash != taskFileHash && !force {
		return errs.New(errs.KindCheckpointMismatch, "checkpoint was taken against a different version of this workflow file")
	}

	var unsafeRunning []string
	for _, ts := range snap.Tasks {
		v, ok := dag.Vertices[ts.ID]
		if !ok {
			continue // task removed from the workflow since the checkpoint was taken
		}
		switch ts.Status {
		case model.Succeeded, model.Skipped:
			v.Status = ts.Status
			v.Start, v.Finish, v.Attempts = ts.Start, ts.Finish, ts.Attempts
			v.ErrorKind, v.ErrorMessage = ts.ErrorKind, ts.ErrorMessage
		case model.Failed:
			v.Status = model.Pending
		case model.Running:
			if v.Task.SafeRetry || force {
				v.Status = model.Pending
			} else {
				unsafeRunning = append(unsafeRunning, ts.ID)
			}
		default:
			v.Status = model.Pending
		}
	}

	if len(unsafeRunning) > 0 {
		sort.Strings(unsafeRunning)
		return errs.New(errs.KindUnsafeResume, "tasks were RUNNING at checkpoint time without safe_retry: "+joinComma(unsafeRunning))
	}

	for _, v := range dag.Vertices {
		pending := 0
		for _, p := range v.Task.Predecessors {
			if pv, ok := dag.Vertices[p]; ok && !pv.Status.Terminal() {
				pending++
			}
		}
		v.PendingCount = pending
	}
	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
