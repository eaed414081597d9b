package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	s3blob "github.com/alanyoungcy/omenarb/internal/blob/s3"
	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/service"
)

// archiveKinds are the history tables exported to cold storage.
var archiveKinds = map[string]bool{
	"opportunities": true,
	"executions":    true,
	"audit":         true,
}

// ArchiveRunner runs one export on demand.
type ArchiveRunner interface {
	RunOnce(ctx context.Context) (service.ArchiveStats, error)
}

// ArchiveHandler lists, downloads and triggers cold-storage exports.
type ArchiveHandler struct {
	reader domain.BlobReader
	runner ArchiveRunner // optional; when nil, Run returns 501
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(reader domain.BlobReader, runner ArchiveRunner, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, runner: runner, logger: logHandler(logger, "archive")}
}

// ListArchives lists the exported files of one kind.
// GET /api/archive?kind=opportunities
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "opportunities"
	}
	if !archiveKinds[kind] {
		writeError(w, http.StatusBadRequest, "unknown archive kind "+kind)
		return
	}
	files, err := h.reader.List(r.Context(), s3blob.ArchivePrefix(kind))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list archives")
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "files": files})
}

// GetArchive streams one exported JSONL file.
// GET /api/archive/file?path=archive/opportunities/2026-01.jsonl
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" || path.Clean(p) != p || !strings.HasPrefix(p, "archive/") {
		writeError(w, http.StatusBadRequest, "path must name a file under archive/")
		return
	}
	body, err := h.reader.Get(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to read archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
}

// RunArchive exports history older than the retention window now.
// POST /api/archive/run
func (h *ArchiveHandler) RunArchive(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusNotImplemented, "archiving not configured")
		return
	}
	stats, err := h.runner.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "archive run failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
