package workers

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeJanitor struct {
	runSlugs []string
	runErr   error
	sweeps   int
	sweepN   int
	sweepErr error
	reaps    int
	reapN    int64
	reapErr  error
}

func (f *fakeJanitor) RunAll(ctx context.Context, librarySlug string) error {
	f.runSlugs = append(f.runSlugs, librarySlug)
	return f.runErr
}

func (f *fakeJanitor) CleanupDataDir(ctx context.Context, minFileAge time.Duration) (int, error) {
	f.sweeps++
	return f.sweepN, f.sweepErr
}

func (f *fakeJanitor) ReapOrphanedAssets(ctx context.Context) (int64, error) {
	f.reaps++
	return f.reapN, f.reapErr
}

func newTestMaintenance(t *testing.T, janitor Janitor, slug string, interval time.Duration) *Maintenance {
	t.Helper()
	r := newTestRunner(t, &fakeWorkerRepo{}, &fakeMetaRepo{}, RunnerConfig{Kind: "maintenance"})
	return NewMaintenance(r, janitor, slug, interval)
}

func TestMaintenance_RunsBothSweepsThenGatesOnInterval(t *testing.T) {
	janitor := &fakeJanitor{sweepN: 4}
	w := newTestMaintenance(t, janitor, "fam", time.Hour)

	if !w.ProcessTask(context.Background()) {
		t.Fatal("first pass should report work done")
	}
	if len(janitor.runSlugs) != 1 || janitor.runSlugs[0] != "fam" {
		t.Fatalf("run slugs = %v, want [fam]", janitor.runSlugs)
	}
	if janitor.sweeps != 1 {
		t.Fatalf("sweeps = %d, want 1", janitor.sweeps)
	}
	if janitor.reaps != 1 {
		t.Fatalf("reaps = %d, want 1", janitor.reaps)
	}
	if w.ProcessTask(context.Background()) {
		t.Fatal("second poll inside the interval should be a no-op")
	}
	if len(janitor.runSlugs) != 1 || janitor.sweeps != 1 || janitor.reaps != 1 {
		t.Fatalf("gated poll still ran the janitor: runs=%d sweeps=%d reaps=%d",
			len(janitor.runSlugs), janitor.sweeps, janitor.reaps)
	}
}

func TestMaintenance_RunsAgainAfterInterval(t *testing.T) {
	janitor := &fakeJanitor{}
	w := newTestMaintenance(t, janitor, "", time.Nanosecond)

	w.ProcessTask(context.Background())
	time.Sleep(time.Millisecond)
	w.ProcessTask(context.Background())
	if len(janitor.runSlugs) != 2 {
		t.Fatalf("runs = %d, want 2", len(janitor.runSlugs))
	}
}

func TestMaintenance_FailedPassWaitsOutInterval(t *testing.T) {
	janitor := &fakeJanitor{runErr: errors.New("db offline")}
	w := newTestMaintenance(t, janitor, "", time.Hour)

	if w.ProcessTask(context.Background()) {
		t.Fatal("failed pass should not report work done")
	}
	if janitor.sweeps != 0 {
		t.Fatal("data dir sweep ran after a failed maintenance pass")
	}
	if w.ProcessTask(context.Background()); len(janitor.runSlugs) != 1 {
		t.Fatalf("failed pass retried before the interval elapsed: runs=%d", len(janitor.runSlugs))
	}
}

func TestMaintenance_SweepFailureDoesNotAbortNextInterval(t *testing.T) {
	janitor := &fakeJanitor{sweepErr: errors.New("disk error")}
	w := newTestMaintenance(t, janitor, "", time.Nanosecond)

	if w.ProcessTask(context.Background()) {
		t.Fatal("failed sweep should not report work done")
	}
	if janitor.reaps != 0 {
		t.Fatal("asset reap ran after a failed data dir sweep")
	}
	time.Sleep(time.Millisecond)
	janitor.sweepErr = nil
	if !w.ProcessTask(context.Background()) {
		t.Fatal("next interval should run normally after a failed sweep")
	}
	if janitor.sweeps != 2 {
		t.Fatalf("sweeps = %d, want 2", janitor.sweeps)
	}
	if janitor.reaps != 1 {
		t.Fatalf("reaps = %d, want 1", janitor.reaps)
	}
}
