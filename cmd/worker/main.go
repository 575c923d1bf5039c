package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/internal/compiler"
	"github.com/OFFIS-RIT/flowforge/backend/internal/queue"
	"github.com/OFFIS-RIT/flowforge/backend/internal/util"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
		JSON:  util.GetEnvBool("LOG_JSON", false),
	})
	logger.Init(consoleLogger)

	conn, err := queue.Init(ctx)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.CompileQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}
	pub := queue.NewSafePublisher(ch)

	svc, cleanup, err := compiler.FromEnv(ctx, compiler.WithPublisher(queue.NewEventPublisher(pub)))
	if err != nil {
		logger.Fatal("Failed to set up compiler", "err", err)
	}
	defer cleanup()

	// One compile at a time per worker; scale by running more workers.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.ConsumeWithContext(
		ctx,
		queue.CompileQueue,
		fmt.Sprintf("%s_consumer", queue.CompileQueue),
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.CompileQueue, "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.CompileQueue)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed", "queue", queue.CompileQueue)
				return
			}
			startTime := time.Now()
			logger.Info("Received message", "queue", queue.CompileQueue)

			if err := queue.ProcessCompileMessage(ctx, svc, msg.Body); err != nil {
				logger.Error("Error processing message", "queue", queue.CompileQueue, "err", err)
				queue.HandleProcessingError(ctx, pub, msg, queue.CompileQueue)
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("Failed to ack message", "err", err)
			}
			logger.Info("Message processed successfully", "queue", queue.CompileQueue, "duration", time.Since(startTime).Round(time.Millisecond))
		}
	}
}
