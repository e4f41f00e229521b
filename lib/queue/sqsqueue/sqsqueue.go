// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqsqueue implements the execution queue on AWS SQS.
//
// Publishing sends one task per message with the idempotency key and
// event type attached as message attributes. Consuming long-polls the
// queue; a task accepted by the handler is deleted, a rejected one has
// its visibility timeout reset to zero so another consumer picks it up
// immediately. Messages that fail to decode are deleted and logged,
// never redelivered.
package sqsqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/lib/utils"
	"github.com/gravitational/chime/types"
)

const (
	// attrIdempotencyKey carries the task's idempotency key so queue
	// tooling can inspect it without decoding the body.
	attrIdempotencyKey = "chime-idempotency-key"
	// attrEventType carries the task's event type.
	attrEventType = "chime-event-type"

	// maxReceiveBatch is the SQS ceiling on messages per receive.
	maxReceiveBatch = 10
	// receiveBackoff is the pause after the first failed receive; it
	// grows linearly on consecutive failures up to maxReceiveBackoff.
	receiveBackoff = 2 * time.Second
	// maxReceiveBackoff caps the pause between receive attempts.
	maxReceiveBackoff = 30 * time.Second
)

// client is the narrow slice of the SQS API the queue uses. The
// concrete *sqs.Client satisfies it.
type client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config holds SQS queue parameters.
type Config struct {
	// QueueURL is the SQS queue URL.
	QueueURL string
	// Client is the SQS API client, typically sqs.NewFromConfig.
	Client client
	// WaitTime is the long-polling interval of the consumer.
	WaitTime time.Duration
	// VisibilityTimeout hides in-flight messages from other consumers.
	// It should comfortably exceed the executor's delivery timeout.
	VisibilityTimeout time.Duration
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger emits queue level log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.QueueURL == "":
		return trace.BadParameter("sqs queue config: missing QueueURL")
	case c.Client == nil:
		return trace.BadParameter("sqs queue config: missing Client")
	}
	if c.WaitTime <= 0 {
		c.WaitTime = defaults.SQSWaitTime
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.SQSVisibilityTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentQueue)
	}
	return nil
}

// Queue is an SQS implementation of queue.Queue.
type Queue struct {
	cfg Config

	cancel context.CancelFunc
	done   context.Context
}

// New creates an SQS queue from config.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	done, cancel := context.WithCancel(context.Background())
	return &Queue{cfg: cfg, cancel: cancel, done: done}, nil
}

// Publish sends one task to the queue.
func (q *Queue) Publish(ctx context.Context, task types.ExecutionTask) error {
	if err := q.done.Err(); err != nil {
		return trace.ConnectionProblem(nil, "sqs queue is closed")
	}
	body, err := task.ToMessage()
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = q.cfg.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			attrIdempotencyKey: {
				DataType:    aws.String("String"),
				StringValue: aws.String(task.IdempotencyKey),
			},
			attrEventType: {
				DataType:    aws.String("String"),
				StringValue: aws.String(task.EventType),
			},
		},
	})
	if err != nil {
		return trace.ConnectionProblem(err, "publishing task to SQS")
	}
	return nil
}

// Consume long-polls the queue until ctx is canceled or the queue is
// closed. Receive failures are logged and retried with a growing pause
// rather than surfaced, so a transient SQS outage does not kill the
// consumer.
func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	if handler == nil {
		return trace.BadParameter("sqs queue: missing handler")
	}
	retry, err := utils.NewLinear(utils.LinearConfig{
		First: receiveBackoff,
		Step:  receiveBackoff,
		Max:   maxReceiveBackoff,
		Clock: q.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done.Done():
			return nil
		default:
		}

		out, err := q.cfg.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages:   maxReceiveBatch,
			WaitTimeSeconds:       int32(q.cfg.WaitTime / time.Second),
			VisibilityTimeout:     int32(q.cfg.VisibilityTimeout / time.Second),
			MessageAttributeNames: []string{attrIdempotencyKey, attrEventType},
		})
		if err != nil {
			if ctx.Err() != nil || q.done.Err() != nil {
				return nil
			}
			q.cfg.Logger.WarnContext(ctx, "Failed to receive from SQS, backing off.",
				"delay", retry.Duration(),
				"error", err,
			)
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				return nil
			case <-q.done.Done():
				return nil
			}
			continue
		}
		retry.Reset()

		for _, msg := range out.Messages {
			q.process(ctx, handler, msg)
		}
	}
}

// process decodes and handles one message, then settles it: delete on
// success or poison, release on handler failure.
func (q *Queue) process(ctx context.Context, handler queue.Handler, msg sqstypes.Message) {
	task, err := types.TaskFromMessage([]byte(aws.ToString(msg.Body)))
	if err != nil {
		q.cfg.Logger.ErrorContext(ctx, "Dropping undecodable message.",
			"message_id", aws.ToString(msg.MessageId),
			"error", err,
		)
		q.deleteMessage(ctx, msg)
		return
	}

	if err := handler(ctx, task); err != nil {
		q.cfg.Logger.WarnContext(ctx, "Task handler failed, releasing message for redelivery.",
			"occurrence_id", task.OccurrenceID,
			"error", err,
		)
		// Zero visibility puts the message back immediately instead of
		// waiting out the full timeout.
		if _, err := q.cfg.Client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(q.cfg.QueueURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		}); err != nil {
			q.cfg.Logger.WarnContext(ctx, "Failed to release message, redelivery waits for the visibility timeout.",
				"occurrence_id", task.OccurrenceID,
				"error", err,
			)
		}
		return
	}

	q.deleteMessage(ctx, msg)
}

func (q *Queue) deleteMessage(ctx context.Context, msg sqstypes.Message) {
	if _, err := q.cfg.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		// The message will be received again; the executor's state
		// machine makes the duplicate harmless.
		q.cfg.Logger.WarnContext(ctx, "Failed to delete settled message.",
			"message_id", aws.ToString(msg.MessageId),
			"error", err,
		)
	}
}

// Close stops consumers. The injected client is owned by the caller
// and stays open.
func (q *Queue) Close() error {
	q.cancel()
	return nil
}
