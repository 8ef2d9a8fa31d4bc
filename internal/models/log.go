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

// Package models defines the data structures shared across the ingestion
// gateway, the queue and the worker.
package models

import "time"

// Source records how a log entry reached the gateway.
type Source string

const (
	SourceJSONUpload Source = "json_upload"
	SourceTextUpload Source = "text_upload"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return s == SourceJSONUpload || s == SourceTextUpload
}

// Message is the normalized unit of work handed to the queue.
//
// TenantID and Text are always non-empty once the normalizer has produced a
// Message. A Message is passed by value and is never modified after it has
// been enqueued.
type Message struct {
	TenantID   string    `json:"tenant_id"`
	LogID      string    `json:"log_id"`
	Source     Source    `json:"source"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	RequestID  string    `json:"request_id"`
}

// Key returns the (tenant_id, log_id) pair identifying the stored record.
func (m Message) Key() RecordKey {
	return RecordKey{TenantID: m.TenantID, LogID: m.LogID}
}

// RecordKey addresses a single ProcessedRecord. TenantID is the partition.
type RecordKey struct {
	TenantID string
	LogID    string
}

func (k RecordKey) String() string {
	return k.TenantID + "/" + k.LogID
}

// ProcessedRecord is the persisted result of processing a Message.
// Writing a record with an existing key replaces the previous one.
type ProcessedRecord struct {
	TenantID     string    `json:"tenant_id"`
	LogID        string    `json:"log_id"`
	Source       Source    `json:"source"`
	OriginalText string    `json:"original_text"`
	ModifiedData string    `json:"modified_data"`
	ReceivedAt   time.Time `json:"received_at"`
	RequestID    string    `json:"request_id"`
	ProcessedAt  time.Time `json:"processed_at"`
	WorkerID     string    `json:"worker_id"`
	Attempt      int       `json:"attempt"` // 1-based delivery count
}

// Key returns the record's (tenant_id, log_id) key.
func (r ProcessedRecord) Key() RecordKey {
	return RecordKey{TenantID: r.TenantID, LogID: r.LogID}
}
