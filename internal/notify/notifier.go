// Package notify fans market and attempt events out to operator chat
// channels (Telegram, Discord), filtered by event name.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Event names.
const (
	EventMarketCreated         = "market_created"
	EventMarketOpened          = "market_opened"
	EventEntryConfirmed        = "entry_confirmed"
	EventMarketSettled         = "market_settled"
	EventRefundClaimed         = "refund_claimed"
	EventAttemptFailed         = "attempt_failed"
	EventReconciliationWarning = "reconciliation_warning"
)

// Sender is one notification channel. Each sender renders the event in its
// own format.
type Sender interface {
	Send(ctx context.Context, e Event) error
	Name() string
}

// Event is something operators may want to hear about.
type Event struct {
	Name   string
	Market common.Address
	Actor  common.Address
	TxHash string
	Detail map[string]string
}

// Title renders the headline of e.
func (e Event) Title() string {
	return strings.ReplaceAll(e.Name, "_", " ")
}

// Field is one labelled line of an event.
type Field struct {
	Name  string
	Value string
}

// Fields lists market, actor and tx first, then detail keys in stable order.
func (e Event) Fields() []Field {
	var out []Field
	if e.Market != (common.Address{}) {
		out = append(out, Field{"market", e.Market.Hex()})
	}
	if e.Actor != (common.Address{}) {
		out = append(out, Field{"actor", e.Actor.Hex()})
	}
	if e.TxHash != "" {
		out = append(out, Field{"tx", e.TxHash})
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, Field{k, e.Detail[k]})
	}
	return out
}

// Message renders the body of e, one field per line.
func (e Event) Message() string {
	var b strings.Builder
	for i, f := range e.Fields() {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Notifier dispatches to every Sender. Only allowed events pass Notify; an
// empty allow list lets everything through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
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

// Enabled reports whether event passes the filter.
func (n *Notifier) Enabled(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify sends e if its name passes the filter. One sender failing does not
// stop the rest.
func (n *Notifier) Notify(ctx context.Context, e Event) error {
	if !n.Enabled(e.Name) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", e.Name))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, e); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", e.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", e.Name),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
