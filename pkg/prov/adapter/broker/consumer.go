package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Consumer reads agent payloads from the durable ingest queue.
type Consumer struct {
	ch       Channel
	exchange string
	queue    string
	tag      string
}

// NewConsumer declares nothing yet; Consume sets up the topology.
func NewConsumer(ch Channel, exchange, queue string) *Consumer {
	return &Consumer{ch: ch, exchange: exchange, queue: queue, tag: "provd-" + queue}
}

func (c *Consumer) declare() error {
	if err := c.ch.ExchangeDeclare(c.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot declare exchange %q", c.exchange, err)
	}
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot declare queue %q", c.queue, err)
	}
	if err := c.ch.QueueBind(c.queue, c.queue, c.exchange, false, nil); err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot bind %q to %q", c.queue, c.exchange, err)
	}
	if err := c.ch.Qos(1, 0, false); err != nil {
		return exception.NewProvError(exception.KindChannel, moduleName, "cannot set prefetch", err)
	}
	return nil
}

// Consume delivers message bodies on out until ctx is done. Each delivery is
// acknowledged once its body has been enqueued. A closed channel is a CONN error.
func (c *Consumer) Consume(ctx context.Context, out chan<- []byte) error {
	if err := c.declare(); err != nil {
		return err
	}
	closed := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot consume from %q", c.queue, err)
	}
	logger.Infof("Consuming agent payloads from %s/%s.", c.exchange, c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-closed:
			return connLost("ingest", e)
		case d, ok := <-deliveries:
			if !ok {
				return connLost("ingest", nil)
			}
			select {
			case out <- d.Body:
			case <-ctx.Done():
				// Unacked: the broker redelivers it to the next consumer.
				return nil
			}
			if err := d.Ack(false); err != nil {
				return exception.NewProvError(exception.KindChannel, moduleName, "cannot ack delivery", err)
			}
		}
	}
}

// Close releases the consumer's channel.
func (c *Consumer) Close() error {
	return closeChannel(c.ch, "ingest")
}

// Publish sends body to the ingest exchange as a persistent message.
func Publish(ctx context.Context, ch Channel, exchange, queue string, body []byte) error {
	err := ch.PublishWithContext(ctx, exchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot publish to %s/%s", exchange, queue, err)
	}
	return nil
}
