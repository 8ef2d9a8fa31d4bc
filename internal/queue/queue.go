// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue defines the work-queue contract between the ingestion
// gateway and the workers, and provides in-memory and Redis backings.
//
// Delivery is at-least-once. A received message stays hidden for the
// visibility timeout; if it is neither acked nor failed in that window it
// becomes eligible again. A message that has been received MaxReceiveCount
// times and becomes eligible once more is moved to the dead-letter channel
// instead of being delivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/logpipe/internal/models"
)

const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxReceiveCount   = 5
	DefaultPollInterval      = 200 * time.Millisecond
)

// ErrStaleReceipt is returned when an ack or fail refers to a delivery that
// has since been superseded (the message was redelivered, acked or
// dead-lettered).
var ErrStaleReceipt = errors.New("stale receipt")

// ErrNotDeadLettered is returned by Redrive for unknown message IDs.
var ErrNotDeadLettered = errors.New("message is not in the dead-letter channel")

// TransportError reports that the queue backend could not be reached or
// refused an operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Delivery is one receipt of a message.
type Delivery struct {
	MessageID string
	Message   models.Message
	Count     int // 1 on first delivery
	Receipt   string
}

// DeadLetter is a message that exhausted its receive budget.
type DeadLetter struct {
	MessageID      string         `json:"message_id"`
	Message        models.Message `json:"message"`
	ReceiveCount   int            `json:"receive_count"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

// Queue is the contract the gateway and the workers depend on.
type Queue interface {
	// Enqueue durably stores msg and returns the queue's message ID.
	Enqueue(ctx context.Context, msg models.Message) (string, error)

	// Receive returns up to max deliveries, waiting up to wait for at
	// least one to become available.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)

	// Ack removes the delivered message permanently.
	Ack(ctx context.Context, d Delivery) error

	// Fail returns the delivered message to the queue for redelivery.
	Fail(ctx context.Context, d Delivery) error
}

// DeadLetterQueue exposes the dead-letter channel for manual intervention.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Redrive(ctx context.Context, messageID string) error
}

// DeadLetterSink is notified whenever a message is dead-lettered.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready    int
	InFlight int
	Dead     int
}

// Options configures redelivery behaviour shared by every backing.
type Options struct {
	VisibilityTimeout time.Duration
	MaxReceiveCount   int

	// RetryDelay is how long a failed message stays hidden before it can
	// be received again. Zero makes it eligible immediately.
	RetryDelay time.Duration

	// PollInterval is the back-off between empty polls while long-polling.
	PollInterval time.Duration

	DeadLetterSink DeadLetterSink
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

func receipt(messageID string, count int) string {
	return messageID + ":" + strconv.Itoa(count)
}

// parseReceipt splits a receipt into message ID and receive count.
func parseReceipt(r string) (string, int, error) {
	i := strings.LastIndexByte(r, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed receipt %q", r)
	}
	n, err := strconv.Atoi(r[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed receipt %q: %w", r, err)
	}
	return r[:i], n, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
