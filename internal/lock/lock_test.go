package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"airbridge/internal/apperrors"
)

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	dir := InstancePath(t.TempDir())
	l, err := Acquire(context.Background(), dir, time.Second, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !Held(dir) {
		t.Error("lock directory should exist while held")
	}

	o, err := ReadOwner(dir)
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if o.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", o.PID, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if Held(dir) {
		t.Error("lock directory should be gone after release")
	}
	// Idempotent.
	if err := l.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	t.Parallel()

	dir := InstancePath(t.TempDir())
	held, err := Acquire(context.Background(), dir, time.Second, "")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer held.Release()

	_, err = Acquire(context.Background(), dir, 300*time.Millisecond, "")
	if !errors.Is(err, apperrors.ErrLockTimeout) {
		t.Errorf("err = %v, want ErrLockTimeout", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	dir := InstancePath(t.TempDir())
	held, err := Acquire(context.Background(), dir, time.Second, "")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	go func() {
		time.Sleep(250 * time.Millisecond)
		held.Release()
	}()

	l, err := Acquire(context.Background(), dir, 2*time.Second, "")
	if err != nil {
		t.Fatalf("second Acquire should succeed after release: %v", err)
	}
	l.Release()
}

func TestTryAcquire(t *testing.T) {
	t.Parallel()

	dir := JobPath(t.TempDir(), "faker-to-local")
	l, ok, err := TryAcquire(dir, "faker-to-local")
	if err != nil || !ok {
		t.Fatalf("TryAcquire = (%v, %v), want held", ok, err)
	}

	_, ok, err = TryAcquire(dir, "faker-to-local")
	if err != nil {
		t.Fatalf("second TryAcquire errored: %v", err)
	}
	if ok {
		t.Error("second TryAcquire should report held")
	}

	o, err := ReadOwner(dir)
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if o.JobID != "faker-to-local" {
		t.Errorf("owner job = %q, want faker-to-local", o.JobID)
	}

	l.Release()
	_, ok, err = TryAcquire(dir, "faker-to-local")
	if err != nil || !ok {
		t.Errorf("TryAcquire after release = (%v, %v), want held", ok, err)
	}
}

func TestAcquireHonorsCancel(t *testing.T) {
	t.Parallel()

	dir := InstancePath(t.TempDir())
	held, err := Acquire(context.Background(), dir, time.Second, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, dir, time.Minute, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestJobPathLayout(t *testing.T) {
	t.Parallel()

	got := JobPath("/var/lib/airbridge/state", "job-1")
	want := filepath.Join("/var/lib/airbridge/state", "locks", "job-1.lock")
	if got != want {
		t.Errorf("JobPath = %q, want %q", got, want)
	}
}
