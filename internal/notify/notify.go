// Package notify delivers best-effort operational notifications (batch
// manifests, QA tier failures, final reports) to external channels.
// Delivery never blocks task processing: a failed send is logged and
// dropped, not retried.
package notify

import (
	"context"

	"github.com/go-logr/logr"
)

// Kind identifies the category of event being announced.
type Kind string

const (
	KindBatchManifest Kind = "batch_manifest"
	KindQAStructural   Kind = "qa_structural"
	KindQAContent      Kind = "qa_content"
	KindQADomain       Kind = "qa_domain"
	KindBatchReport    Kind = "batch_report"
)

// Event is a single notification payload.
type Event struct {
	Kind      Kind
	ProcessID string
	Title     string
	Body      string
	Fields    map[string]string
}

// Channel delivers an Event to one destination. Implementations must
// not block indefinitely; callers apply their own timeout via ctx.
type Channel interface {
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher fans an Event out to every registered Channel, logging
// (not propagating) per-channel failures.
type Dispatcher struct {
	channels []Channel
	log      logr.Logger
}

func NewDispatcher(log logr.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels, log: log}
}

// Notify delivers ev to every channel concurrently and returns once all
// attempts complete. It never returns an error: failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	done := make(chan struct{}, len(d.channels))
	for _, ch := range d.channels {
		ch := ch
		go func() {
			defer func() { done <- struct{}{} }()
			if err := ch.Notify(ctx, ev); err != nil {
				d.log.Error(err, "notify: channel delivery failed", "kind", ev.Kind, "processID", ev.ProcessID)
			}
		}()
	}
	for range d.channels {
		<-done
	}
}
