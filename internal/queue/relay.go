package queue

import (
	"context"

	"github.com/labstack/gommon/log"
	"github.com/tevino/abool/v2"
)

const defaultRelayBatch = 100

// Relay publishes undelivered outbox rows through a Gateway in id order.
type Relay struct {
	Outbox  Outbox
	Gateway Gateway
	Batch   int
	Log     *log.Logger

	running *abool.AtomicBool
}

func NewRelay(o Outbox, g Gateway, batch int, logger *log.Logger) *Relay {
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	return &Relay{Outbox: o, Gateway: g, Batch: batch, Log: logger, running: abool.New()}
}

// RunOnce delivers one batch and returns how many messages went out. It
// stops at the first failed delivery so later messages never overtake an
// earlier one; the failed row is retried on the next pass. Overlapping calls
// return immediately.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !r.running.SetToIf(false, true) {
		return 0, nil
	}
	defer r.running.UnSet()

	msgs, err := r.Outbox.Pending(ctx, r.Batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, msg := range msgs {
		if err := Publish(ctx, r.Gateway, msg); err != nil {
			if r.Log != nil {
				r.Log.Warnf("relay: deliver %s %s (%s) failed: %v", msg.Kind, msg.Target, msg.MessageID, err)
			}
			return sent, err
		}
		if err := r.Outbox.MarkDelivered(ctx, msg.ID); err != nil {
			return sent, err
		}
		sent++
		if r.Log != nil {
			r.Log.Debugf("relay: delivered %s %s", msg.Kind, msg.Target)
		}
	}
	return sent, nil
}
