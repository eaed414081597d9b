package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the transfer manager.
	multipartThreshold = 16 * 1024 * 1024
)

// OpportunityArchiveStore lists opportunities for archival.
type OpportunityArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error)
}

// ExecutionArchiveStore lists executions for archival.
type ExecutionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error)
}

// AuditArchiveStore lists audit entries for archival and records the export.
type AuditArchiveStore interface {
	domain.AuditStore
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// Archiver implements domain.Archiver. Rows older than the cutoff are written
// as JSONL to archive/<kind>/YYYY-MM.jsonl and the export is audited. Rows
// are not deleted from Postgres here.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader // optional; enables collision-free paths
	opps   OpportunityArchiveStore
	execs  ExecutionArchiveStore
	audit  AuditArchiveStore
}

// NewArchiver creates an Archiver. reader may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	opps OpportunityArchiveStore,
	execs ExecutionArchiveStore,
	audit AuditArchiveStore,
) *Archiver {
	return &Archiver{writer: writer, reader: reader, opps: opps, execs: execs, audit: audit}
}

// ArchiveOpportunities exports opportunities detected before the cutoff.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.opps.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	return archive(ctx, a, "opportunities", before, rows)
}

// ArchiveExecutions exports executions started before the cutoff.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.execs.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	return archive(ctx, a, "executions", before, rows)
}

// ArchiveAudit exports audit entries created before the cutoff.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archive(ctx, a, "audit", before, rows)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	path, err := a.freePath(ctx, kind, before)
	if err != nil {
		return 0, err
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(rows))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// freePath returns the month path, suffixed -1, -2... when an earlier export
// of the same month already exists.
func (a *Archiver) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	path := archivePath(kind, before, 0)
	if a.reader == nil {
		return path, nil
	}
	for n := 1; ; n++ {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if !exists {
			return path, nil
		}
		path = archivePath(kind, before, n)
	}
}

// archivePath builds archive/<kind>/YYYY-MM.jsonl, or YYYY-MM-<n>.jsonl for
// n > 0.
func archivePath(kind string, before time.Time, n int) string {
	month := before.UTC().Format("2006-01")
	if n > 0 {
		return fmt.Sprintf("archive/%s/%s-%d.jsonl", kind, month, n)
	}
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// ArchivePrefix is the listing prefix for one kind of export.
func ArchivePrefix(kind string) string {
	return "archive/" + kind + "/"
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
