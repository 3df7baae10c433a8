// Package publisher propagates bid request status changes. Every event is
// appended to the store's durable log first, then fanned out on a per-request
// Redis stream. Delivery to subscribers is at-least-once and ordered per
// request; consumers de-duplicate on the sequence number.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/store"
)

const defaultPollInterval = 250 * time.Millisecond

// Publisher writes the event log and notifies live subscribers.
type Publisher struct {
	store store.Store
	rdb   *redis.Client
	poll  time.Duration
	log   *logrus.Entry
}

// Options configure a publisher.
type Options struct {
	Store store.Store
	Redis *redis.Client
	// PollInterval bounds subscriber latency. Zero means the default.
	PollInterval time.Duration
}

// New builds a publisher.
func New(opts Options) *Publisher {
	poll := opts.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	return &Publisher{
		store: opts.Store,
		rdb:   opts.Redis,
		poll:  poll,
		log:   logrus.WithField("component", "publisher"),
	}
}

func streamFor(bidRequestID string) string {
	return "events:bidrequest:" + bidRequestID
}

// Publish appends the event to the durable log and pushes it onto the
// request's stream. The log write is authoritative; stream failures are
// logged and swallowed because subscribers backfill from the log anyway.
func (p *Publisher) Publish(ctx context.Context, ev models.Event) (models.Event, error) {
	ev, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("append event: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamFor(ev.BidRequestID),
		Values: map[string]interface{}{"event": string(payload)},
	}).Err(); err != nil {
		p.log.WithError(err).WithField("bid_request_id", ev.BidRequestID).
			Warn("stream fanout failed, subscribers will catch up from the log")
	}
	return ev, nil
}

// Emit is shorthand for publishing an event without amount details.
func (p *Publisher) Emit(ctx context.Context, bidRequestID, eventType, message string) error {
	_, err := p.Publish(ctx, models.Event{
		BidRequestID: bidRequestID,
		Type:         eventType,
		Message:      message,
	})
	return err
}

// EmitBid publishes a bid-related event carrying the amount and standing.
func (p *Publisher) EmitBid(ctx context.Context, bidRequestID, eventType string, amount int64, isHighBidder bool, message string) error {
	_, err := p.Publish(ctx, models.Event{
		BidRequestID: bidRequestID,
		Type:         eventType,
		Amount:       &amount,
		IsHighBidder: &isHighBidder,
		Message:      message,
	})
	return err
}

// Subscribe streams events for one request starting after fromSeq. History
// comes from the durable log, then the live stream is tailed until ctx is
// cancelled. The returned channel is closed when the subscription ends.
func (p *Publisher) Subscribe(ctx context.Context, bidRequestID string, fromSeq int64) <-chan models.Event {
	out := make(chan models.Event, 16)
	go func() {
		defer close(out)

		lastSeq := fromSeq
		history, err := p.store.EventsFor(ctx, bidRequestID, lastSeq)
		if err != nil {
			p.log.WithError(err).WithField("bid_request_id", bidRequestID).
				Warn("event backfill failed")
		}
		for _, ev := range history {
			if !p.deliver(ctx, out, ev) {
				return
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
		}

		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			entries, err := p.rdb.XRange(ctx, streamFor(bidRequestID), "-", "+").Result()
			if err != nil {
				continue
			}
			for _, entry := range entries {
				raw, ok := entry.Values["event"].(string)
				if !ok {
					continue
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					continue
				}
				if ev.Seq <= lastSeq {
					continue
				}
				if !p.deliver(ctx, out, ev) {
					return
				}
				lastSeq = ev.Seq
			}
		}
	}()
	return out
}

func (p *Publisher) deliver(ctx context.Context, out chan<- models.Event, ev models.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
