package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// NoneReply is the literal reply body for "nothing found".
const NoneReply = "NONE"

// Request is the RPC request body as seen by a handler.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type callBody struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// RPCClient issues request/reply calls over one exclusive, auto-named reply queue.
type RPCClient struct {
	ch         Channel
	replyQueue string

	mu      sync.Mutex
	pending map[string]chan rpcReply
	done    chan struct{}
}

// rpcReply is either a reply body or the reason the broker returned the request.
type rpcReply struct {
	body     string
	returned string
}

// NewRPCClient declares the reply queue and starts routing replies by correlation id.
// Requests are published mandatory, so a request no queue can take comes back
// and fails its call instead of waiting for a reply that never comes.
func NewRPCClient(ch Channel) (*RPCClient, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, exception.NewProvError(exception.KindChannel, moduleName, "cannot declare reply queue", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, exception.NewProvError(exception.KindChannel, moduleName, "cannot consume reply queue", err)
	}
	returns := ch.NotifyReturn(make(chan amqp.Return, 8))
	c := &RPCClient{
		ch:         ch,
		replyQueue: q.Name,
		pending:    make(map[string]chan rpcReply),
		done:       make(chan struct{}),
	}
	go c.dispatch(msgs, returns)
	return c, nil
}

func (c *RPCClient) dispatch(msgs <-chan amqp.Delivery, returns <-chan amqp.Return) {
	defer close(c.done)
	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.resolve(d.CorrelationId, rpcReply{body: string(d.Body)})
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			c.resolve(r.CorrelationId, rpcReply{returned: fmt.Sprintf("%d %s", r.ReplyCode, r.ReplyText)})
		}
	}
}

func (c *RPCClient) resolve(corrID string, r rpcReply) {
	c.mu.Lock()
	reply, ok := c.pending[corrID]
	delete(c.pending, corrID)
	c.mu.Unlock()
	if !ok {
		logger.Debugf("Discarding RPC reply with unknown correlation id %s.", corrID)
		return
	}
	reply <- r
}

// Call publishes {action, data} to queue and blocks until the matching reply or ctx is done.
func (c *RPCClient) Call(ctx context.Context, queue, action string, data any) (string, error) {
	body, err := json.Marshal(callBody{Action: action, Data: data})
	if err != nil {
		return "", exception.NewProvError(exception.KindRPC, moduleName, "cannot encode request", err)
	}
	corrID := uuid.NewString()
	reply := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[corrID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
	}()

	err = c.ch.PublishWithContext(ctx, "", queue, true, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       c.replyQueue,
		Body:          body,
	})
	if err != nil {
		return "", exception.NewProvErrorf(exception.KindRPC, moduleName, "cannot publish %s request to %s", action, queue, err)
	}

	select {
	case r := <-reply:
		if r.returned != "" {
			return "", exception.NewProvErrorf(exception.KindRPC, moduleName, "%s request to %s was returned: %s", action, queue, r.returned)
		}
		return r.body, nil
	case <-c.done:
		return "", connLost("rpc reply", nil)
	case <-ctx.Done():
		return "", exception.NewProvErrorf(exception.KindRPC, moduleName, "%s call on %s abandoned", action, queue, ctx.Err())
	}
}

// Close releases the client's channel; the reply queue goes with it.
func (c *RPCClient) Close() error {
	return closeChannel(c.ch, "rpc client")
}

// Handler answers one RPC request. An error is logged and answered with NoneReply.
type Handler func(ctx context.Context, req Request) (string, error)

// RPCServer answers requests on a named queue.
type RPCServer struct {
	ch Channel
}

// NewRPCServer wraps ch.
func NewRPCServer(ch Channel) *RPCServer {
	return &RPCServer{ch: ch}
}

// Serve handles requests on queue until ctx is done or the channel closes.
func (s *RPCServer) Serve(ctx context.Context, queue string, h Handler) error {
	if _, err := s.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot declare rpc queue %q", queue, err)
	}
	if err := s.ch.Qos(1, 0, false); err != nil {
		return exception.NewProvError(exception.KindChannel, moduleName, "cannot set prefetch", err)
	}
	closed := s.ch.NotifyClose(make(chan *amqp.Error, 1))
	msgs, err := s.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return exception.NewProvErrorf(exception.KindChannel, moduleName, "cannot consume rpc queue %q", queue, err)
	}
	logger.Infof("Serving RPC requests on %s.", queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-closed:
			return connLost("rpc server", e)
		case d, ok := <-msgs:
			if !ok {
				return connLost("rpc server", nil)
			}
			if err := s.handle(ctx, d, h); err != nil {
				return err
			}
		}
	}
}

func (s *RPCServer) handle(ctx context.Context, d amqp.Delivery, h Handler) error {
	reply := NoneReply
	var req Request
	if err := json.Unmarshal(d.Body, &req); err != nil {
		logger.Warnf("Malformed RPC request %q: %v", d.Body, err)
	} else if r, err := h(ctx, req); err != nil {
		logger.Errorf("RPC %s failed: %v", req.Action, err)
	} else {
		reply = r
	}

	if d.ReplyTo != "" {
		err := s.ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "text/plain",
			CorrelationId: d.CorrelationId,
			Body:          []byte(reply),
		})
		if err != nil {
			return exception.NewProvError(exception.KindRPC, moduleName, "cannot publish reply", err)
		}
	}
	if err := d.Ack(false); err != nil {
		return exception.NewProvError(exception.KindChannel, moduleName, "cannot ack rpc request", err)
	}
	return nil
}

// Close releases the server's channel.
func (s *RPCServer) Close() error {
	return closeChannel(s.ch, "rpc server")
}
