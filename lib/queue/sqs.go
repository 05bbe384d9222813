// Strata
// Copyright (C) 2024 StrataDB, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/defaults"
)

// sqsMaxBatch is the largest batch a single SQS receive may return.
const sqsMaxBatch = 10

// SQSConfig configures the SQS-backed source.
type SQSConfig struct {
	// QueueURL is the full URL of the queue.
	QueueURL string
	// Region is the AWS region. Required unless the default config
	// chain resolves one.
	Region string
	// Endpoint overrides the SQS endpoint, for compatible brokers and
	// test servers.
	Endpoint string
	// Credentials overrides the default credential chain.
	Credentials aws.CredentialsProvider
	// WaitTime is the long polling window per receive. Zero applies
	// the default.
	WaitTime time.Duration
	// VisibilityTimeout hides received messages from other consumers
	// while this one works on them. Zero applies the default.
	VisibilityTimeout time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *SQSConfig) CheckAndSetDefaults() error {
	if c.QueueURL == "" {
		return trace.BadParameter("missing parameter QueueURL")
	}
	if c.WaitTime < 0 || c.VisibilityTimeout < 0 {
		return trace.BadParameter("WaitTime and VisibilityTimeout must not be negative")
	}
	if c.WaitTime == 0 {
		c.WaitTime = defaults.QueueWaitTime
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = defaults.QueueVisibilityTimeout
	}
	return nil
}

// SQSSource drains an SQS queue with long polling. Messages are hidden
// for the visibility timeout once received; an unacknowledged message
// reappears after it, so the queue's redrive policy decides when a
// repeatedly failing message is dead-lettered.
type SQSSource struct {
	cfg    SQSConfig
	client sqsapi
}

// sqsapi is the slice of the SDK client the source calls. Narrowed for
// tests.
type sqsapi interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQS builds an SQS source from the default AWS config chain plus
// the overrides in cfg.
func NewSQS(ctx context.Context, cfg SQSConfig) (*SQSSource, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &SQSSource{cfg: cfg, client: client}, nil
}

// NewSQSWithClient wraps a pre-built SDK client. Used by tests and by
// callers that need custom SDK middleware.
func NewSQSWithClient(cfg SQSConfig, client sqsapi) (*SQSSource, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if client == nil {
		return nil, trace.BadParameter("missing parameter client")
	}
	return &SQSSource{cfg: cfg, client: client}, nil
}

// Receive long-polls the queue for up to max messages. SQS caps a
// single receive at ten.
func (s *SQSSource) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.cfg.QueueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(s.cfg.WaitTime / time.Second),
		VisibilityTimeout:     int32(s.cfg.VisibilityTimeout / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, trace.Wrap(convertSQSError(err), "ReceiveMessage")
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		msg := Message{
			ID:      aws.ToString(raw.MessageId),
			Body:    []byte(aws.ToString(raw.Body)),
			receipt: aws.ToString(raw.ReceiptHandle),
		}
		if len(raw.MessageAttributes) > 0 {
			msg.Attributes = make(map[string]string, len(raw.MessageAttributes))
			for name, attr := range raw.MessageAttributes {
				msg.Attributes[name] = aws.ToString(attr.StringValue)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete acknowledges one received message by its receipt handle.
func (s *SQSSource) Delete(ctx context.Context, msg Message) error {
	if msg.receipt == "" {
		return trace.BadParameter("message %q carries no receipt handle", msg.ID)
	}
	if _, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.cfg.QueueURL),
		ReceiptHandle: aws.String(msg.receipt),
	}); err != nil {
		return trace.Wrap(convertSQSError(err), "DeleteMessage(%v)", msg.ID)
	}
	return nil
}

// convertSQSError maps SDK failures onto trace classes: missing queues
// become NotFound, stale receipt handles BadParameter, throttling
// ConnectionProblem so retry layers treat it as transient.
func convertSQSError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QueueDoesNotExist", "AWS.SimpleQueueService.NonExistentQueue":
			return trace.NotFound("%s", err.Error())
		case "ReceiptHandleIsInvalid", "InvalidIdFormat":
			return trace.BadParameter("%s", err.Error())
		case "OverLimit":
			return trace.LimitExceeded("%s", err.Error())
		case "RequestThrottled", "ThrottlingException", "ServiceUnavailable":
			return trace.ConnectionProblem(err, "sqs request throttled")
		}
	}
	return trace.Wrap(err)
}
