package broker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/broker"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker routes publishes to in-memory queues.
type fakeBroker struct {
	mu       sync.Mutex
	queues   map[string]chan amqp.Delivery
	bindings map[string]string // exchange/key -> queue
	acked    []uint64
	nextTag  uint64
	anon     int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: map[string]chan amqp.Delivery{}, bindings: map[string]string{}}
}

func (b *fakeBroker) queue(name string) chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan amqp.Delivery, 64)
		b.queues[name] = q
	}
	return q
}

func (b *fakeBroker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, tag)
	return nil
}
func (b *fakeBroker) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (b *fakeBroker) Reject(tag uint64, requeue bool) error         { return nil }

func (b *fakeBroker) exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

type fakeChannel struct {
	b       *fakeBroker
	closed  chan *amqp.Error
	returns []chan amqp.Return
}

func (b *fakeBroker) channel() *fakeChannel {
	return &fakeChannel{b: b, closed: make(chan *amqp.Error, 1)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == "" {
		c.b.mu.Lock()
		c.b.anon++
		name = fmt.Sprintf("amq.gen-%d", c.b.anon)
		c.b.mu.Unlock()
	}
	c.b.queue(name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.bindings[exchange+"/"+key] = name
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.b.queue(queue), nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	target := key
	if exchange != "" {
		c.b.mu.Lock()
		target = c.b.bindings[exchange+"/"+key]
		c.b.mu.Unlock()
	} else if mandatory && !c.b.exists(key) {
		for _, r := range c.returns {
			r <- amqp.Return{ReplyCode: amqp.NoRoute, ReplyText: "NO_ROUTE", RoutingKey: key, CorrelationId: msg.CorrelationId}
		}
		return nil
	}
	c.b.mu.Lock()
	c.b.nextTag++
	tag := c.b.nextTag
	c.b.mu.Unlock()
	c.b.queue(target) <- amqp.Delivery{
		Acknowledger:  c.b,
		DeliveryTag:   tag,
		Body:          msg.Body,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		DeliveryMode:  msg.DeliveryMode,
	}
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	go func() {
		if e, ok := <-c.closed; ok {
			ch <- e
		}
	}()
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	c.returns = append(c.returns, ch)
	return ch
}

func (c *fakeChannel) Close() error { return nil }

var _ broker.Channel = (*fakeChannel)(nil)

func TestConsumerAcksAfterEnqueue(t *testing.T) {
	b := newFakeBroker()
	ch := b.channel()
	c := broker.NewConsumer(ch, "io_listener", "io_queue")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan []byte)
	errc := make(chan error, 1)
	go func() { errc <- c.Consume(ctx, out) }()

	// The queue is bound by Consume; wait for the binding before publishing.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.bindings["io_listener/io_queue"] == "io_queue"
	}, time.Second, 5*time.Millisecond)

	pub := b.channel()
	require.NoError(t, broker.Publish(ctx, pub, "io_listener", "io_queue", []byte(`{"n":1}`)))
	require.NoError(t, broker.Publish(ctx, pub, "io_listener", "io_queue", []byte(`{"n":2}`)))

	assert.Equal(t, `{"n":1}`, string(<-out))
	assert.Equal(t, `{"n":2}`, string(<-out))
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.acked) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-errc)
}

func TestConsumerChannelCloseIsConnError(t *testing.T) {
	b := newFakeBroker()
	ch := b.channel()
	c := broker.NewConsumer(ch, "io_listener", "io_queue")
	errc := make(chan error, 1)
	go func() { errc <- c.Consume(context.Background(), make(chan []byte)) }()

	ch.closed <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	select {
	case err := <-errc:
		assert.True(t, exception.IsKind(err, exception.KindConn))
		assert.True(t, exception.IsFatal(err))
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not notice the close")
	}
}

func TestRPCRoundTrip(t *testing.T) {
	b := newFakeBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := broker.NewRPCServer(b.channel())
	go srv.Serve(ctx, "clusterA_rpc_queue", func(_ context.Context, req broker.Request) (string, error) {
		var ids []string
		if err := json.Unmarshal(req.Data, &ids); err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return broker.NoneReply, nil
		}
		return req.Action + ":" + strings.Join(ids, "[^@]"), nil
	})

	client, err := broker.NewRPCClient(b.channel())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.exists("clusterA_rpc_queue") }, time.Second, 5*time.Millisecond)

	reply, err := client.Call(ctx, "clusterA_rpc_queue", "uge_acct", []string{"42", "43.1"})
	require.NoError(t, err)
	assert.Equal(t, "uge_acct:42[^@]43.1", reply)

	reply, err = client.Call(ctx, "clusterA_rpc_queue", "uge_acct", []string{})
	require.NoError(t, err)
	assert.Equal(t, broker.NoneReply, reply)
}

func TestRPCCallHonoursContext(t *testing.T) {
	b := newFakeBroker()
	client, err := broker.NewRPCClient(b.channel())
	require.NoError(t, err)
	// Declared but never served.
	_, err = b.channel().QueueDeclare("nobody_rpc_queue", true, false, false, false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "nobody_rpc_queue", "uge_acct", []string{"1"})
	assert.True(t, exception.IsKind(err, exception.KindRPC))
}

func TestRPCCallToMissingQueueFailsFast(t *testing.T) {
	b := newFakeBroker()
	client, err := broker.NewRPCClient(b.channel())
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Call(context.Background(), "clusterZ_rpc_queue", "uge_acct", []string{"1"})
	require.Error(t, err)
	assert.True(t, exception.IsKind(err, exception.KindRPC))
	assert.ErrorContains(t, err, "NO_ROUTE")
	assert.Less(t, time.Since(start), time.Second)
}
