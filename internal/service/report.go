package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// Bus channels and streams used by the engine.
const (
	ChannelOpportunities = "opportunities"
	ChannelExecutions    = "executions"
	ChannelReports       = "reports"
	ChannelPairs         = "pairs"
	StreamReports        = "reports:stream"
)

// LogSink writes every record through slog. Leg decisions, truncations and
// precondition skips are warnings; everything else is info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "report"))}
}

// Report implements domain.ReportSink.
func (s *LogSink) Report(ctx context.Context, rec domain.Record) {
	attrs := make([]slog.Attr, 0, len(rec.Fields)+2)
	attrs = append(attrs,
		slog.String("kind", string(rec.Kind)),
		slog.String("market", rec.MarketID),
	)
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, rec.Fields[k]))
	}

	level := slog.LevelInfo
	switch rec.Kind {
	case domain.RecordTruncation, domain.RecordPrecondition:
		level = slog.LevelWarn
	case domain.RecordLegDecision:
		if executed, _ := rec.Fields["executed"].(bool); !executed {
			level = slog.LevelWarn
		}
	}
	s.logger.LogAttrs(ctx, level, rec.Message, attrs...)
}

// BusSink publishes records on the signal bus and appends them to a durable
// stream so the dashboard can replay recent history.
type BusSink struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.SignalBus, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger.With(slog.String("component", "report_bus"))}
}

// Report implements domain.ReportSink. Publish failures are logged, never
// returned, so reporting cannot break an evaluation.
func (s *BusSink) Report(ctx context.Context, rec domain.Record) {
	payload, err := json.Marshal(map[string]any{
		"event":     "report",
		"kind":      rec.Kind,
		"market_id": rec.MarketID,
		"message":   rec.Message,
		"fields":    rec.Fields,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "report marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, ChannelReports, payload); err != nil {
		s.logger.WarnContext(ctx, "report publish failed", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, StreamReports, payload); err != nil {
		s.logger.WarnContext(ctx, "report stream append failed", slog.String("error", err.Error()))
	}
}

// MultiSink fans a record out to several sinks in order.
type MultiSink []domain.ReportSink

// Report implements domain.ReportSink.
func (m MultiSink) Report(ctx context.Context, rec domain.Record) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, rec)
		}
	}
}

var (
	_ domain.ReportSink = (*LogSink)(nil)
	_ domain.ReportSink = (*BusSink)(nil)
	_ domain.ReportSink = MultiSink(nil)
)
