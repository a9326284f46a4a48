// Package notify persists stage notifications and fans them out to
// configured delivery sinks. Delivery happens after the originating
// transaction commits, failures surface as warnings and never unwind
// pipeline state.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Sink delivers a stored notification to one external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n domain.StageNotification) error
}

// Dispatcher stores notifications and best-effort delivers them.
type Dispatcher struct {
	Repo  repo.Repo
	Sinks []Sink
	Now   func() string // optional, wall clock when nil
}

// NewDispatcher wires sinks from the pipeline configuration.
func NewDispatcher(r repo.Repo, cfg *config.Config, now func() string) *Dispatcher {
	d := &Dispatcher{Repo: r, Now: now}
	for _, hook := range cfg.Webhooks {
		if s := newWebhookSink(cfg.Pipeline.Name, hook); s != nil {
			d.Sinks = append(d.Sinks, s)
		}
	}
	if s := newNtfySink(cfg.Ntfy); s != nil {
		d.Sinks = append(d.Sinks, s)
	}
	return d
}

// Dispatch stores the notification and delivers it to every sink. The
// returned warnings name sinks that failed, the record itself is kept
// regardless.
func (d *Dispatcher) Dispatch(ctx context.Context, n domain.StageNotification) (domain.StageNotification, []string, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.SentAt == "" {
		if d.Now != nil {
			n.SentAt = d.Now()
		} else {
			n.SentAt = time.Now().UTC().Format(time.RFC3339)
		}
	}
	if n.Urgency == "" {
		n.Urgency = domain.UrgencyLow
	}
	if err := d.Repo.InsertNotification(ctx, n); err != nil {
		return n, nil, err
	}
	var warnings []string
	for _, sink := range d.Sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			log.Printf("notify: deliver via %s failed: %v", sink.Name(), err)
			warnings = append(warnings, fmt.Sprintf("notification delivery via %s failed: %v", sink.Name(), err))
		}
	}
	return n, warnings, nil
}
