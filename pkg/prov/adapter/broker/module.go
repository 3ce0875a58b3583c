package broker

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
)

func provideConn(lc fx.Lifecycle, cfg *config.Config) (*Conn, error) {
	conn, err := Dial(cfg.RabbitMQ)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return conn.Close() },
	})
	return conn, nil
}

func provideConsumer(lc fx.Lifecycle, conn *Conn, cfg *config.Config) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	c := NewConsumer(ch, cfg.IOListener.Exchange, cfg.IOListener.Queue)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return c.Close() },
	})
	return c, nil
}

func provideRPCClient(lc fx.Lifecycle, conn *Conn) (*RPCClient, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	c, err := NewRPCClient(ch)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return c.Close() },
	})
	return c, nil
}

func provideRPCServer(lc fx.Lifecycle, conn *Conn) (*RPCServer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	s := NewRPCServer(ch)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return s.Close() },
	})
	return s, nil
}

// Module provides the process-wide *Conn.
var Module = fx.Options(
	fx.Provide(provideConn),
)

// ServerModule adds the ingest consumer and the accounting RPC client.
var ServerModule = fx.Options(
	fx.Provide(provideConsumer),
	fx.Provide(provideRPCClient),
)

// TailerModule adds the accounting RPC server.
var TailerModule = fx.Options(
	fx.Provide(provideRPCServer),
)
