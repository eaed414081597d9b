package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type oppRows []domain.Opportunity

func (r oppRows) ListBefore(context.Context, time.Time) ([]domain.Opportunity, error) { return r, nil }

type execRows []domain.Execution

func (r execRows) ListBefore(context.Context, time.Time) ([]domain.Execution, error) { return r, nil }

type auditRows struct {
	rows   []domain.AuditEntry
	logged []string
}

func (a *auditRows) Log(_ context.Context, event string, _ map[string]any) error {
	a.logged = append(a.logged, event)
	return nil
}

func (a *auditRows) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return a.rows, nil
}

func (a *auditRows) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return a.rows, nil
}

func TestArchiveOpportunities(t *testing.T) {
	blobs := newMemBlobs()
	audit := &auditRows{}
	opps := oppRows{
		{ID: "a", MarketID: "0x1", Classification: domain.Underestimated},
		{ID: "b", MarketID: "0x2", Classification: domain.Overestimated},
	}
	arch := NewArchiver(blobs, blobs, opps, execRows{}, audit)
	cutoff := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	n, err := arch.ArchiveOpportunities(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveOpportunities: %v", err)
	}
	if n != 2 {
		t.Errorf("archived %d, want 2", n)
	}
	data, ok := blobs.objects["archive/opportunities/2026-03.jsonl"]
	if !ok {
		t.Fatalf("archive file missing; have %v", blobs.objects)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines int
	for sc.Scan() {
		var opp domain.Opportunity
		if err := json.Unmarshal(sc.Bytes(), &opp); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("jsonl lines = %d, want 2", lines)
	}
	if len(audit.logged) != 1 || audit.logged[0] != "archive.opportunities" {
		t.Errorf("audit = %v", audit.logged)
	}

	// A second export of the same month must not overwrite the first.
	if _, err := arch.ArchiveOpportunities(context.Background(), cutoff); err != nil {
		t.Fatalf("second export: %v", err)
	}
	if _, ok := blobs.objects["archive/opportunities/2026-03-1.jsonl"]; !ok {
		t.Errorf("second export path missing; have %d objects", len(blobs.objects))
	}
}

func TestArchiveEmptyIsNoop(t *testing.T) {
	blobs := newMemBlobs()
	audit := &auditRows{}
	arch := NewArchiver(blobs, nil, oppRows{}, execRows{}, audit)

	n, err := arch.ArchiveExecutions(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Fatalf("ArchiveExecutions = %d, %v", n, err)
	}
	if len(blobs.objects) != 0 || len(audit.logged) != 0 {
		t.Error("empty archive wrote data")
	}
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	if got := archivePath("audit", at, 0); got != "archive/audit/2026-10.jsonl" {
		t.Errorf("archivePath = %q", got)
	}
	if got := archivePath("audit", at, 2); got != "archive/audit/2026-10-2.jsonl" {
		t.Errorf("archivePath n=2 = %q", got)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"minio:9000", false, "http://minio:9000"},
		{"e2.example.com", true, "https://e2.example.com"},
		{"https://r2.example.com", false, "https://r2.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.ssl, got, tt.want)
		}
	}
}
