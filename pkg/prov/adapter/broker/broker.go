// Package broker is the AMQP 0.9.1 transport: the durable ingest consumer used
// by the server, a publisher for tooling, and the request/reply RPC pair used
// for scheduler accounting lookups.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "broker"

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Conn is the process-wide broker connection. Every role opens its own channel on it.
type Conn struct {
	conn   *amqp.Connection
	closed chan *amqp.Error
}

// Dial connects to the broker described by the [rabbitmq] section.
func Dial(cfg config.RabbitMQConfig) (*Conn, error) {
	if cfg.Server == "" {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "rabbitmq server is not configured", nil)
	}
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindConn, moduleName, "cannot connect to %s:%d%s", cfg.Server, cfg.Port, cfg.Vhost, err)
	}
	logger.Infof("Connected to RabbitMQ at %s:%d (vhost %s).", cfg.Server, cfg.Port, cfg.Vhost)
	return &Conn{conn: conn, closed: conn.NotifyClose(make(chan *amqp.Error, 1))}, nil
}

// Channel opens a new channel.
func (c *Conn) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, exception.NewProvError(exception.KindChannel, moduleName, "cannot open channel", err)
	}
	return ch, nil
}

// Closed delivers the error that closed the connection.
func (c *Conn) Closed() <-chan *amqp.Error {
	return c.closed
}

// Close closes the connection. Channels must be closed first.
func (c *Conn) Close() error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return exception.NewProvError(exception.KindClose, moduleName, "cannot close connection", err)
	}
	return nil
}

func closeChannel(ch Channel, role string) error {
	if err := ch.Close(); err != nil && err != amqp.ErrClosed {
		return exception.NewProvErrorf(exception.KindClose, moduleName, "cannot close %s channel", role, err)
	}
	return nil
}

func connLost(role string, e *amqp.Error) error {
	if e == nil {
		return exception.NewProvErrorf(exception.KindConn, moduleName, "%s channel closed", role)
	}
	return exception.NewProvError(exception.KindConn, moduleName, fmt.Sprintf("%s channel closed by broker", role), e)
}
