package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

type fakeArchiver struct {
	cutoffs []time.Time
	failOn  string
	started chan struct{} // receives once per call when set
	block   chan struct{}
}

func (a *fakeArchiver) record(kind string, before time.Time) (int64, error) {
	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.block != nil {
		<-a.block
	}
	a.cutoffs = append(a.cutoffs, before)
	if kind == a.failOn {
		return 0, errors.New("bucket unavailable")
	}
	return int64(len(kind)), nil
}

func (a *fakeArchiver) ArchiveOpportunities(_ context.Context, before time.Time) (int64, error) {
	return a.record("opportunities", before)
}

func (a *fakeArchiver) ArchiveExecutions(_ context.Context, before time.Time) (int64, error) {
	return a.record("executions", before)
}

func (a *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	return a.record("audit", before)
}

func TestArchiveServiceRunOnce(t *testing.T) {
	arch := &fakeArchiver{}
	svc := NewArchiveService(arch, 30, time.Hour, discardLogger())
	now := time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	stats, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if !stats.Cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", stats.Cutoff, want)
	}
	if stats.Opportunities != 13 || stats.Executions != 10 || stats.Audit != 5 {
		t.Errorf("stats = %+v", stats)
	}
	for _, c := range arch.cutoffs {
		if !c.Equal(want) {
			t.Errorf("archiver called with cutoff %v", c)
		}
	}
}

func TestArchiveServiceStopsOnError(t *testing.T) {
	arch := &fakeArchiver{failOn: "executions"}
	svc := NewArchiveService(arch, 0, 0, discardLogger())

	stats, err := svc.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if stats.Opportunities != 13 || stats.Audit != 0 {
		t.Errorf("stats = %+v, want opportunities kept and audit skipped", stats)
	}
	if len(arch.cutoffs) != 2 {
		t.Errorf("archiver calls = %d, want 2", len(arch.cutoffs))
	}
}

func TestArchiveServiceRejectsOverlap(t *testing.T) {
	arch := &fakeArchiver{started: make(chan struct{}, 3), block: make(chan struct{})}
	svc := NewArchiveService(arch, 1, time.Hour, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunOnce(context.Background())
		done <- err
	}()

	select {
	case <-arch.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}

	if _, err := svc.RunOnce(context.Background()); !errors.Is(err, domain.ErrLockHeld) {
		t.Errorf("overlapping run err = %v, want ErrLockHeld", err)
	}
	close(arch.block)
	if err := <-done; err != nil {
		t.Errorf("first run: %v", err)
	}
}
