package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkerber/busbridge/broker"
	"github.com/mkerber/busbridge/internal/runtime"
	"github.com/mkerber/busbridge/internal/runtime/config"
	"github.com/mkerber/busbridge/internal/runtime/logging"

	// Broker transports and registry backends register themselves.
	_ "github.com/mkerber/busbridge/broker/amqp"
	_ "github.com/mkerber/busbridge/broker/channel"
	_ "github.com/mkerber/busbridge/broker/nats"
	_ "github.com/mkerber/busbridge/discovery/consul"
	_ "github.com/mkerber/busbridge/discovery/etcd"
)

func main() {
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.FromEnv()
	logger.Info("starting", logging.LogFields{"config": cfg.String()})

	rt, err := runtime.New(cfg, logger, logHandler(logger), runtime.Dependencies{})
	if err != nil {
		logger.Error("invalid configuration", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		logger.Error("runtime terminated", err, nil)
		os.Exit(1)
	}
	logger.Info("stopped", nil)
}

// logHandler is the default message handler: it acknowledges everything and
// logs the routing key. Real deployments embed the runtime as a library and
// supply their own handler.
func logHandler(logger logging.ServiceLogger) broker.Handler {
	return func(_ context.Context, msg *broker.Message) error {
		logger.Info("message received", logging.LogFields{
			"message_id":  msg.UUID,
			"routing_key": msg.RoutingKey,
			"bytes":       len(msg.Payload),
		})
		return msg.Ack()
	}
}
