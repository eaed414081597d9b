// Package notify provides operator alerts. Notifications are dispatched to
// all registered senders (Telegram, Discord) and filtered by event type so
// operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// Event types understood by the notifier.
const (
	EventOpportunity     = "opportunity"
	EventExecution       = "execution"
	EventExecutionFailed = "execution_failed"
	EventTruncation      = "truncation"
	EventPair            = "pair"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards events in the allowed set; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends a notification to all senders only if the event type is
// allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Report implements domain.ReportSink. Opportunity, execution and
// truncation records become alerts; leg decisions are too chatty and are
// dropped.
func (n *Notifier) Report(ctx context.Context, rec domain.Record) {
	var event, title string
	switch rec.Kind {
	case domain.RecordOpportunity:
		event, title = EventOpportunity, "Arbitrage detected"
	case domain.RecordExecution:
		event, title = EventExecution, "Execution finished"
		if _, failed := rec.Fields["error"]; failed {
			event, title = EventExecutionFailed, "Execution aborted"
		}
	case domain.RecordTruncation:
		event, title = EventTruncation, "Sizing search truncated"
	case domain.RecordPair:
		event, title = EventPair, "Correlated pair"
	default:
		return
	}
	if err := n.Notify(ctx, event, title, FormatRecord(rec)); err != nil {
		n.logger.WarnContext(ctx, "record notification failed",
			slog.String("kind", string(rec.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// FormatRecord renders a record as a short plain-text body with fields in
// key order.
func FormatRecord(rec domain.Record) string {
	var b strings.Builder
	if rec.MarketID != "" {
		fmt.Fprintf(&b, "market: %s\n", rec.MarketID)
	}
	b.WriteString(rec.Message)
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := rec.Fields[k].(type) {
		case float64:
			fmt.Fprintf(&b, "\n%s: %.6f", k, v)
		default:
			fmt.Fprintf(&b, "\n%s: %v", k, v)
		}
	}
	return b.String()
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders; failures are combined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

var _ domain.ReportSink = (*Notifier)(nil)
