package reconcile

import (
	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/spool"
)

// OutboxSpill persists undeliverable messages into the durable outbox so
// the delivery chain's fallback path survives restarts.
type OutboxSpill struct {
	Queue *spool.OutboxQueue
}

func (s OutboxSpill) Spill(msg delivery.Message) error {
	_, err := s.Queue.Append(spool.OutboxMessage{
		To:      msg.To,
		Subject: msg.Subject,
		Body:    msg.Body,
		ReplyTo: msg.ReplyTo,
	})
	return err
}

var _ delivery.Spill = OutboxSpill{}
