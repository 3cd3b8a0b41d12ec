package processors

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"bubbles/pkg/log"
	"bubbles/pkg/models"
)

// Subscriber is the source of status events.
type Subscriber interface {
	Subscribe() (<-chan models.StatusEvent, func())
}

// Handler is called for every status event. Returning false ends the processor.
type Handler func(ctx context.Context, event models.StatusEvent) bool

// StatusProcessor logs status events and hands them to a handler.
type StatusProcessor struct {
	source  Subscriber
	handler Handler
}

func NewStatusProcessor(source Subscriber, handler Handler) *StatusProcessor {
	return &StatusProcessor{
		source:  source,
		handler: handler,
	}
}

// Subscribe starts listening. Events posted after Subscribe returns are
// delivered once Run is called.
func (p *StatusProcessor) Subscribe() *Subscription {
	events, cancel := p.source.Subscribe()

	return &Subscription{processor: p, events: events, cancel: cancel}
}

// Run subscribes and processes events until ctx is done or the handler
// asks to stop.
func (p *StatusProcessor) Run(ctx context.Context) error {
	return p.Subscribe().Run(ctx)
}

type Subscription struct {
	processor *StatusProcessor
	events    <-chan models.StatusEvent
	cancel    func()
}

func (s *Subscription) Run(ctx context.Context) error {
	logger := log.GetLogger(ctx).WithField("processor", "status")
	ctx = log.WithLogger(ctx, logger)

	defer s.cancel()

	for {
		select {
		case <-ctx.Done():
			if cerr := ctx.Err(); cerr != nil && !errors.Is(cerr, context.Canceled) {
				logger.Errorf("canceling event loop: %s", cerr)

				return cerr
			}

			return nil
		case evt := <-s.events:
			entry := logger.WithFields(logrus.Fields{
				"vm":     evt.VM,
				"status": evt.Status.String(),
			})

			if evt.Err != nil {
				entry.Errorf("status changed: %s", evt.Err)
			} else {
				entry.Info("status changed")
			}

			if s.processor.handler != nil && !s.processor.handler(ctx, evt) {
				return nil
			}
		}
	}
}
