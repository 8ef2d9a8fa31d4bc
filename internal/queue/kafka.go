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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaDeadLetterSink mirrors every dead-lettered message to a Kafka topic
// so operators can alert on and archive them. The Redis dead-letter list
// remains the source of truth for redrive.
type KafkaDeadLetterSink struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaDeadLetterSink creates a synchronous writer for the given topic.
func NewKafkaDeadLetterSink(brokers []string, topic string) (*KafkaDeadLetterSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka dead-letter sink needs brokers and a topic")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf("kafka dead-letter writer: "+msg, args...))
		}),
	}

	slog.Info("kafka dead-letter sink created", "brokers", brokers, "topic", topic)
	return &KafkaDeadLetterSink{writer: w, topic: topic}, nil
}

// PublishDeadLetter implements DeadLetterSink.
func (s *KafkaDeadLetterSink) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	msg, err := deadLetterMessage(dl)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write dead letter to kafka topic %s: %w", s.topic, err)
	}
	return nil
}

// deadLetterMessage keys the record by tenant and log ID so every dead
// letter of one record lands on the same partition.
func deadLetterMessage(dl DeadLetter) (kafka.Message, error) {
	value, err := json.Marshal(dl)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal dead letter: %w", err)
	}
	return kafka.Message{
		Key:   []byte(dl.Message.Key().String()),
		Value: value,
		Time:  dl.DeadLetteredAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(dl.MessageID)},
			{Key: "tenant_id", Value: []byte(dl.Message.TenantID)},
		},
	}, nil
}

// Close flushes and closes the writer.
func (s *KafkaDeadLetterSink) Close() error {
	return s.writer.Close()
}

var _ DeadLetterSink = (*KafkaDeadLetterSink)(nil)
