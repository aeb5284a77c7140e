package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"airbridge/internal/job"
	"airbridge/internal/lock"
)

func TestDue(t *testing.T) {
	t.Parallel()

	// Reference point: 2026-08-23 12:07:30 UTC.
	now := time.Date(2026, 8, 23, 12, 7, 30, 0, time.UTC)

	tests := []struct {
		name     string
		schedule string
		lastRun  time.Time
		hasRun   bool
		want     bool
	}{
		{
			name:     "never ran is always due",
			schedule: "*/5 * * * *",
			want:     true,
		},
		{
			name:     "fire between last run and now",
			schedule: "*/5 * * * *",
			lastRun:  time.Date(2026, 8, 23, 12, 1, 0, 0, time.UTC), // next fire 12:05 <= now
			hasRun:   true,
			want:     true,
		},
		{
			name:     "no fire since last run",
			schedule: "*/5 * * * *",
			lastRun:  time.Date(2026, 8, 23, 12, 6, 0, 0, time.UTC), // next fire 12:10 > now
			hasRun:   true,
			want:     false,
		},
		{
			name:     "fire exactly at last run counts as satisfied",
			schedule: "*/5 * * * *",
			lastRun:  time.Date(2026, 8, 23, 12, 5, 0, 0, time.UTC), // next fire 12:10 > now
			hasRun:   true,
			want:     false,
		},
		{
			name:     "next fire exactly now is due",
			schedule: "*/5 * * * *",
			lastRun:  time.Date(2026, 8, 23, 12, 2, 0, 0, time.UTC),
			hasRun:   true,
			want:     true, // next fire 12:05 <= 12:07:30
		},
		{
			name:     "hourly not yet due",
			schedule: "0 * * * *",
			lastRun:  time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
			hasRun:   true,
			want:     false,
		},
		{
			name:     "daily long overdue",
			schedule: "0 2 * * *",
			lastRun:  time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC),
			hasRun:   true,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Due(tt.schedule, tt.lastRun, tt.hasRun, now)
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			if got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDueRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	if _, err := Due("not a cron expr", time.Time{}, false, time.Now()); err == nil {
		t.Error("expected parse error")
	}
}

// fakeRuns implements LastRunSource.
type fakeRuns struct {
	last   time.Time
	hasRun bool
	err    error
}

func (f fakeRuns) LastRun(context.Context, string) (time.Time, bool, error) {
	return f.last, f.hasRun, f.err
}

func testJob() job.Job {
	return job.Job{
		ID:          "faker-to-local",
		Name:        "Faker to local",
		Enabled:     true,
		Schedule:    "*/5 * * * *",
		SourceImage: "airbyte/source-faker:6.2.10",
		DestImage:   "airbyte/destination-local-json:0.2.11",
	}
}

func testController(stateDir string) *Controller {
	c := NewController(stateDir, 80, 80, 10*time.Millisecond, nil)
	c.ProcessTable = func(context.Context) ([]string, error) { return nil, nil }
	return c
}

func TestDecideAdmitsDueIdleJob(t *testing.T) {
	t.Parallel()

	c := testController(t.TempDir())
	d, err := c.Decide(context.Background(), testJob(), fakeRuns{}, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d != Admit {
		t.Errorf("Decide = %v, want Admit", d)
	}
}

func TestDecideSkipsNotDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 23, 12, 6, 0, 0, time.UTC)
	runs := fakeRuns{last: time.Date(2026, 8, 23, 12, 5, 0, 0, time.UTC), hasRun: true}

	c := testController(t.TempDir())
	d, err := c.Decide(context.Background(), testJob(), runs, now)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d != SkipNotDue {
		t.Errorf("Decide = %v, want SkipNotDue", d)
	}
}

func TestDecideDetectsHeldJobLock(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	j := testJob()
	held, _, err := lock.TryAcquire(lock.JobPath(stateDir, j.ID), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	c := testController(stateDir)
	d, err := c.Decide(context.Background(), j, fakeRuns{}, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d != AlreadyRunning {
		t.Errorf("Decide = %v, want AlreadyRunning", d)
	}
}

func TestDecideDetectsLiveProcess(t *testing.T) {
	t.Parallel()

	c := testController(t.TempDir())
	c.ProcessTable = func(context.Context) ([]string, error) {
		return []string{
			"/usr/bin/dockerd",
			"airbridge run --job faker-to-local",
		}, nil
	}

	d, err := c.Decide(context.Background(), testJob(), fakeRuns{}, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d != AlreadyRunning {
		t.Errorf("Decide = %v, want AlreadyRunning", d)
	}
}

func TestDecidePropagatesLedgerError(t *testing.T) {
	t.Parallel()

	c := testController(t.TempDir())
	boom := errors.New("ledger unavailable")
	if _, err := c.Decide(context.Background(), testJob(), fakeRuns{err: boom}, time.Now()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestWaitForResourcesPassesWhenIdle(t *testing.T) {
	t.Parallel()

	c := testController(t.TempDir())
	c.SampleUsage = func(context.Context) (Usage, error) {
		return Usage{CPUPercent: 10, MemPercent: 20}, nil
	}

	waited, err := c.WaitForResources(context.Background())
	if err != nil {
		t.Fatalf("WaitForResources: %v", err)
	}
	if waited > time.Second {
		t.Errorf("waited %v on an idle host", waited)
	}
}

func TestWaitForResourcesBlocksUntilBelowThreshold(t *testing.T) {
	t.Parallel()

	c := testController(t.TempDir())
	samples := []Usage{
		{CPUPercent: 95, MemPercent: 50},
		{CPUPercent: 50, MemPercent: 90},
		{CPUPercent: 50, MemPercent: 50},
	}
	i := 0
	c.SampleUsage = func(context.Context) (Usage, error) {
		u := samples[i]
		if i < len(samples)-1 {
			i++
		}
		return u, nil
	}

	if _, err := c.WaitForResources(context.Background()); err != nil {
		t.Fatalf("WaitForResources: %v", err)
	}
	if i != len(samples)-1 {
		t.Errorf("consumed %d samples, want %d", i, len(samples)-1)
	}
}

func TestWaitForResourcesHonorsCancel(t *testing.T) {
	t.Parallel()

	c := testController(t.TempDir())
	c.SampleUsage = func(context.Context) (Usage, error) {
		return Usage{CPUPercent: 100, MemPercent: 100}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.WaitForResources(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestDecisionString(t *testing.T) {
	t.Parallel()

	if Admit.String() != "admit" || SkipNotDue.String() != "not_due" || AlreadyRunning.String() != "already_running" {
		t.Error("decision labels drifted")
	}
}
