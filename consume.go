package neodriver

import (
	"context"
	"sync"
	"time"

	"github.com/acaloiaro/neodriver/handler"
	"github.com/acaloiaro/neodriver/internal"
	"github.com/acaloiaro/neodriver/messages"
)

// Consume starts h.Concurrency workers that pop messages from queue and process them with h
//
// Messages are acknowledged when h succeeds and left for the backend to redeliver when it fails. Consume blocks until
// ctx is done and every worker has finished the message it was processing.
func (d *driver) Consume(ctx context.Context, queue string, h handler.Handler) (err error) {
	if queue == "" {
		return messages.ErrNoQueueSpecified
	}

	workers := max(h.Concurrency, 1)
	d.logger.Debug("starting consumers", "queue", queue, "concurrency", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.consume(ctx, queue, h)
		}()
	}

	wg.Wait()
	d.logger.Debug("consumers stopped", "queue", queue)

	return nil
}

func (d *driver) consume(ctx context.Context, queue string, h handler.Handler) {
	var opts []PopOption
	if h.PopTimeout > 0 {
		opts = append(opts, WithTimeout(h.PopTimeout))
	}

	failures := 0
	for {
		msg, err := d.PopMessage(ctx, queue, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			failures++
			backoff := internal.CalculateBackoff(failures)
			d.logger.Error("unable to pop message", "queue", queue, "error", err, "retry_in", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			continue
		}

		failures = 0
		if msg == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		d.process(ctx, queue, h, msg)
	}
}

// process handles a single popped message. it runs detached from ctx's cancellation so that a message popped just
// before shutdown is still handled within the handler's own deadline.
func (d *driver) process(ctx context.Context, queue string, h handler.Handler, msg *messages.Message) {
	ctx = context.WithoutCancel(ctx)

	if err := handler.Exec(handler.WithMessageContext(ctx, msg), h); err != nil {
		d.logger.Error("message failed to process", "queue", queue, "error", err)
		return
	}

	if err := d.AcknowledgeMessage(ctx, queue, msg.Receipt); err != nil {
		d.logger.Error("unable to acknowledge message", "queue", queue, "error", err)
	}
}
