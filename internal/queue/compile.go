package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/flowforge/backend/internal/compiler"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

var log = logger.With("Queue")

// CompileMsg is one queued compile request.
type CompileMsg struct {
	ID         string                 `json:"id"`
	Definition common.GraphDefinition `json:"definition"`
}

// Dispatcher publishes compile requests to the compile queue.
type Dispatcher struct {
	ch Publisher
}

func NewDispatcher(ch Publisher) *Dispatcher {
	return &Dispatcher{ch: ch}
}

func (d *Dispatcher) Dispatch(ctx context.Context, def common.GraphDefinition) error {
	body, err := json.Marshal(CompileMsg{ID: def.ID, Definition: def})
	if err != nil {
		return err
	}
	return PublishFIFO(ctx, d.ch, CompileQueue, body)
}

type Compiler interface {
	Compile(ctx context.Context, def common.GraphDefinition) (compiler.Result, error)
}

// ProcessCompileMessage compiles one queued definition. Only infrastructure
// failures are returned; a graph that fails to enrich is a final outcome
// recorded by the compiler and is not retried.
func ProcessCompileMessage(ctx context.Context, svc Compiler, body []byte) error {
	var msg CompileMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode compile message: %w", err)
	}
	if msg.Definition.ID == "" {
		msg.Definition.ID = msg.ID
	}

	res, err := svc.Compile(ctx, msg.Definition)
	if err != nil {
		return err
	}
	log.Info("Compiled queued workflow", "id", res.ID, "status", res.Status, "message", res.Message)
	return nil
}

// HandleProcessingError sends a failed delivery to the retry queue, or to the
// dead-letter queue once it has been retried maxRetries times.
func HandleProcessingError(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string) {
	retries := retryCount(msg.Headers)

	if retries >= maxRetries {
		dlqName := queueName + "_dlq"
		log.Info("Sending message to DLQ", "dlq", dlqName)
		err := ch.PublishWithContext(ctx, "", dlqName, false, false, amqp091.Publishing{
			ContentType: msg.ContentType,
			Body:        msg.Body,
			Headers:     msg.Headers,
		})
		if err != nil {
			log.Error("Failed to publish to DLQ", "dlq", dlqName, "err", err)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	err := ch.PublishWithContext(ctx, "", retryName, false, false, amqp091.Publishing{
		ContentType: msg.ContentType,
		Body:        msg.Body,
		Headers:     headers,
	})
	if err != nil {
		log.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func retryCount(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
