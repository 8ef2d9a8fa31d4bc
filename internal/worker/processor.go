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

// Package worker consumes queued log messages, redacts them and writes the
// result to the tenant-partitioned store.
//
// The worker never retries in-process. A message that cannot be processed is
// failed back to the queue, which owns redelivery timing and dead-lettering.
// Writes overwrite by (tenant_id, log_id), so any number of deliveries of
// the same message leaves a single record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/logpipe/internal/models"
	"github.com/bcem/logpipe/internal/queue"
	"github.com/bcem/logpipe/internal/redact"
	"github.com/bcem/logpipe/internal/store"
)

// Stage names the step at which processing failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageCost     Stage = "cost"
	StageStore    Stage = "store"
)

// ProcessingError is a failure inside the worker. The message is always left
// for queue-driven redelivery.
type ProcessingError struct {
	Stage Stage
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

var errInvalidMessage = errors.New("message is missing tenant_id, log_id or text")

// Redactor masks sensitive substrings.
type Redactor interface {
	Redact(text string) string
}

// ItemFailure reports one message of a batch that was not processed.
type ItemFailure struct {
	MessageID string
	Err       error
}

// BatchReport is the per-message outcome of a batch.
type BatchReport struct {
	Succeeded []string
	Failures  []ItemFailure
}

// Processor handles individual deliveries.
type Processor struct {
	queue          queue.Queue
	store          store.Store
	redactor       Redactor
	cost           CostModel
	workerID       string
	messageTimeout time.Duration
	visibility     time.Duration
	now            func() time.Time
}

// ProcessorConfig holds the dependencies of a Processor.
type ProcessorConfig struct {
	Queue    queue.Queue
	Store    store.Store
	Redactor Redactor  // defaults to the built-in phone pattern set
	Cost     CostModel // defaults to NoCost
	WorkerID string

	// MessageTimeout bounds the time spent on one message.
	MessageTimeout time.Duration

	// VisibilityTimeout is the queue's lease length. Every message of a
	// batch must be finished before the lease taken by Receive runs out.
	VisibilityTimeout time.Duration
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		queue:          cfg.Queue,
		store:          cfg.Store,
		redactor:       cfg.Redactor,
		cost:           cfg.Cost,
		workerID:       cfg.WorkerID,
		messageTimeout: cfg.MessageTimeout,
		visibility:     cfg.VisibilityTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if p.redactor == nil {
		p.redactor = redact.NewRedactor(nil)
	}
	if p.cost == nil {
		p.cost = NoCost{}
	}
	if p.workerID == "" {
		p.workerID = "local-worker"
	}
	if p.visibility <= 0 {
		p.visibility = queue.DefaultVisibilityTimeout
	}
	if p.messageTimeout <= 0 || p.messageTimeout > p.visibility {
		p.messageTimeout = p.visibility
	}
	return p
}

// WorkerID returns the identity written to processed records.
func (p *Processor) WorkerID() string {
	return p.workerID
}

// Process turns one delivery into a stored ProcessedRecord. It does not ack
// or fail the delivery. The delivery is assumed to have just been received.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) (models.ProcessedRecord, error) {
	return p.process(ctx, d, time.Now().Add(p.messageTimeout))
}

// process runs one delivery under deadline.
func (p *Processor) process(ctx context.Context, d queue.Delivery, deadline time.Time) (models.ProcessedRecord, error) {
	msg := d.Message
	if msg.TenantID == "" || msg.LogID == "" || msg.Text == "" {
		return models.ProcessedRecord{}, &ProcessingError{Stage: StageValidate, Err: errInvalidMessage}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	slog.Debug("processing message",
		"message_id", d.MessageID,
		"tenant", msg.TenantID,
		"log_id", msg.LogID,
		"attempt", d.Count,
		"text_length", len(msg.Text),
	)

	if err := p.cost.Spend(ctx, msg.Text); err != nil {
		return models.ProcessedRecord{}, &ProcessingError{Stage: StageCost, Err: err}
	}

	rec := models.ProcessedRecord{
		TenantID:     msg.TenantID,
		LogID:        msg.LogID,
		Source:       msg.Source,
		OriginalText: msg.Text,
		ModifiedData: p.redactor.Redact(msg.Text),
		ReceivedAt:   msg.ReceivedAt,
		RequestID:    msg.RequestID,
		ProcessedAt:  p.now(),
		WorkerID:     p.workerID,
		Attempt:      d.Count,
	}

	if err := p.store.Put(ctx, rec); err != nil {
		return models.ProcessedRecord{}, &ProcessingError{Stage: StageStore, Err: err}
	}

	slog.Info("log stored",
		"tenant", rec.TenantID,
		"log_id", rec.LogID,
		"attempt", rec.Attempt,
		"worker_id", rec.WorkerID,
	)
	return rec, nil
}

// ProcessBatch processes every delivery independently and acks or fails
// each one on its own. A failure never affects the other messages of the
// batch.
//
// The whole batch shares the lease taken when it was received, so each
// message runs under the earlier of its own MessageTimeout and the lease
// expiry. Messages still waiting when the lease runs out are failed without
// being stored.
func (p *Processor) ProcessBatch(ctx context.Context, batch []queue.Delivery) BatchReport {
	var report BatchReport
	leaseExpires := time.Now().Add(p.visibility)
	for _, d := range batch {
		deadline := time.Now().Add(p.messageTimeout)
		if leaseExpires.Before(deadline) {
			deadline = leaseExpires
		}

		if _, err := p.process(ctx, d, deadline); err != nil {
			slog.Error("message processing failed",
				"message_id", d.MessageID,
				"tenant", d.Message.TenantID,
				"log_id", d.Message.LogID,
				"attempt", d.Count,
				"error", err,
			)
			if ferr := p.queue.Fail(ctx, d); ferr != nil {
				// The visibility timeout will release it instead.
				slog.Warn("fail delivery", "message_id", d.MessageID, "error", ferr)
			}
			report.Failures = append(report.Failures, ItemFailure{MessageID: d.MessageID, Err: err})
			continue
		}

		if err := p.queue.Ack(ctx, d); err != nil {
			if errors.Is(err, queue.ErrStaleReceipt) {
				// Another consumer holds the message now.
				slog.Warn("lease lost before ack",
					"message_id", d.MessageID,
					"tenant", d.Message.TenantID,
					"log_id", d.Message.LogID,
					"attempt", d.Count,
				)
				report.Failures = append(report.Failures, ItemFailure{MessageID: d.MessageID, Err: err})
				continue
			}
			// The record is stored; a redelivery will overwrite it.
			slog.Warn("ack delivery", "message_id", d.MessageID, "error", err)
		}
		report.Succeeded = append(report.Succeeded, d.MessageID)
	}

	slog.Info("batch processed",
		"worker_id", p.workerID,
		"size", len(batch),
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failures),
	)
	return report
}
