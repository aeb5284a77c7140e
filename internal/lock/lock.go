// Package lock provides advisory filesystem locks: one for the scheduler
// instance and one per job. A lock is a directory created atomically with
// an owner.json describing the holder.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"airbridge/internal/apperrors"
)

// Owner describes the process holding a lock.
type Owner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id,omitempty"`
}

// Lock is a held advisory lock. Release removes it.
type Lock struct {
	dir string
}

const (
	ownerFile     = "owner.json"
	retryInterval = 200 * time.Millisecond
)

// Acquire takes the lock directory at dir, retrying until timeout. It fails
// with apperrors.LockTimeout when another holder keeps it for the whole
// window, and honors ctx cancellation between retries.
func Acquire(ctx context.Context, dir string, timeout time.Duration, jobID string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("preparing lock parent for %s: %w", dir, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			if werr := writeOwner(dir, jobID); werr != nil {
				_ = os.RemoveAll(dir)
				return nil, werr
			}
			return &Lock{dir: dir}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock %s: %w", dir, err)
		}
		if time.Now().After(deadline) {
			return nil, apperrors.LockTimeout(dir, describeHolder(dir))
		}
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire takes the lock without waiting. Held returns (nil, false, nil).
func TryAcquire(dir, jobID string) (*Lock, bool, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, false, fmt.Errorf("preparing lock parent for %s: %w", dir, err)
	}
	err := os.Mkdir(dir, 0o755)
	if errors.Is(err, os.ErrExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating lock %s: %w", dir, err)
	}
	if werr := writeOwner(dir, jobID); werr != nil {
		_ = os.RemoveAll(dir)
		return nil, false, werr
	}
	return &Lock{dir: dir}, true, nil
}

// Release removes the lock. Safe to call on an already-released lock.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	err := os.RemoveAll(l.dir)
	l.dir = ""
	return err
}

// Dir returns the lock directory path, empty after release.
func (l *Lock) Dir() string {
	if l == nil {
		return ""
	}
	return l.dir
}

// ReadOwner reads the holder metadata of a held lock.
func ReadOwner(dir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, ownerFile))
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, fmt.Errorf("parsing lock owner in %s: %w", dir, err)
	}
	return o, nil
}

// Held reports whether a lock directory currently exists at dir.
func Held(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

// InstancePath is the scheduler-wide lock location under the state dir.
func InstancePath(stateDir string) string {
	return filepath.Join(stateDir, ".scheduler.lock")
}

// JobPath is the per-job lock location under the state dir.
func JobPath(stateDir, jobID string) string {
	return filepath.Join(stateDir, "locks", jobID+".lock")
}

func writeOwner(dir, jobID string) error {
	hostname, _ := os.Hostname()
	o := Owner{
		PID:       os.Getpid(),
		Hostname:  hostname,
		CreatedAt: time.Now().UTC(),
		JobID:     jobID,
	}
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lock owner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ownerFile), data, 0o644); err != nil {
		return fmt.Errorf("writing lock owner in %s: %w", dir, err)
	}
	return nil
}

func describeHolder(dir string) error {
	o, err := ReadOwner(dir)
	if err != nil {
		return errors.New("holder unknown")
	}
	return fmt.Errorf("held by pid %d on %s since %s", o.PID, o.Hostname, o.CreatedAt.Format(time.RFC3339))
}
