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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/logpipe/internal/models"
	"github.com/bcem/logpipe/internal/queue"
	"github.com/bcem/logpipe/internal/store"
	"github.com/bcem/logpipe/internal/worker"
)

// mockQueue records enqueued messages.
type mockQueue struct {
	mu       sync.Mutex
	messages []models.Message
	err      error
}

func (m *mockQueue) Enqueue(_ context.Context, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages = append(m.messages, msg)
	return "msg-id", nil
}

func (m *mockQueue) enqueued() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

// mockPinger reports a fixed health result.
type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func newTestHandler(q Enqueuer, records RecordReader) *Handler {
	return NewHandler(HandlerConfig{Queue: q, Records: records})
}

func postIngest(h http.Handler, contentType string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

// TestServeIngest_AcceptsJSON verifies a structured submission is queued
// and acknowledged with 202.
func TestServeIngest_AcceptsJSON(t *testing.T) {
	q := &mockQueue{}
	h := newTestHandler(q, store.NewMemoryStore())

	rr := postIngest(http.HandlerFunc(h.ServeIngest), "application/json", nil,
		`{"tenant_id":"acme","log_id":"log-1","text":"User 555-0199 accessed /api/login"}`)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	var resp AcceptedResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "accepted" || resp.LogID != "log-1" || resp.RequestID == "" {
		t.Errorf("response = %+v", resp)
	}
	if got := rr.Header().Get("X-Request-ID"); got != resp.RequestID {
		t.Errorf("X-Request-ID = %q, want %q", got, resp.RequestID)
	}

	msgs := q.enqueued()
	if len(msgs) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(msgs))
	}
	if msgs[0].TenantID != "acme" || msgs[0].RequestID != resp.RequestID || msgs[0].Source != models.SourceJSONUpload {
		t.Errorf("queued message = %+v", msgs[0])
	}
}

// TestServeIngest_AcceptsText verifies a plain-text submission.
func TestServeIngest_AcceptsText(t *testing.T) {
	q := &mockQueue{}
	h := newTestHandler(q, store.NewMemoryStore())

	rr := postIngest(http.HandlerFunc(h.ServeIngest), "text/plain",
		map[string]string{"X-Tenant-ID": "beta_inc"},
		"Error - 555-0100 - NullPointerException at module X")

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	msgs := q.enqueued()
	if len(msgs) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(msgs))
	}
	if msgs[0].TenantID != "beta_inc" || msgs[0].Source != models.SourceTextUpload || msgs[0].LogID == "" {
		t.Errorf("queued message = %+v", msgs[0])
	}
}

// TestServeIngest_Rejections verifies invalid requests are answered without
// touching the queue.
func TestServeIngest_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		headers     map[string]string
		body        string
		wantMessage string
	}{
		{"missing tenant", "application/json", nil, `{"text":"hello"}`, "tenant_id is required"},
		{"missing text", "application/json", nil, `{"tenant_id":"acme"}`, "text is required"},
		{"empty body", "application/json", nil, "", "request body cannot be empty"},
		{"text without tenant header", "text/plain", nil, "hello", "X-Tenant-ID header is required"},
		{"unsupported type", "application/xml", nil, "<log/>", "Content-Type must be application/json or text/plain"},
		{"text invalid utf-8", "text/plain", map[string]string{"X-Tenant-ID": "acme"}, "bad \xff byte 555-0199", "body is not valid UTF-8"},
		{"text with NUL", "text/plain", map[string]string{"X-Tenant-ID": "acme"}, "a\x00b", "body must not contain NUL characters"},
		{"json escaped NUL", "application/json", nil, `{"tenant_id":"acme","text":"a\u0000b"}`, "text must not contain NUL characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQueue{}
			h := newTestHandler(q, store.NewMemoryStore())

			rr := postIngest(http.HandlerFunc(h.ServeIngest), tt.contentType, tt.headers, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			resp := decodeError(t, rr)
			if resp.Error != "Bad Request" || resp.Message != tt.wantMessage {
				t.Errorf("body = %+v, want Bad Request / %q", resp, tt.wantMessage)
			}
			if n := len(q.enqueued()); n != 0 {
				t.Errorf("enqueued %d messages, want 0", n)
			}
		})
	}
}

// TestServeIngest_MalformedJSON verifies parse errors are reported as 400.
func TestServeIngest_MalformedJSON(t *testing.T) {
	q := &mockQueue{}
	h := newTestHandler(q, store.NewMemoryStore())

	rr := postIngest(http.HandlerFunc(h.ServeIngest), "application/json", nil, `{"tenant_id":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, rr); !strings.HasPrefix(resp.Message, "invalid JSON") {
		t.Errorf("message = %q", resp.Message)
	}
}

// TestServeIngest_QueueFailure verifies an enqueue error becomes a 500.
func TestServeIngest_QueueFailure(t *testing.T) {
	q := &mockQueue{err: &queue.TransportError{Op: "enqueue", Err: errors.New("connection refused")}}
	h := newTestHandler(q, store.NewMemoryStore())

	rr := postIngest(http.HandlerFunc(h.ServeIngest), "application/json", nil,
		`{"tenant_id":"acme","text":"hello"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	resp := decodeError(t, rr)
	if resp.Error != "Internal Server Error" || resp.Message != "failed to publish message to queue" {
		t.Errorf("body = %+v", resp)
	}
}

// TestServeIngest_BodyTooLarge verifies the size cap.
func TestServeIngest_BodyTooLarge(t *testing.T) {
	q := &mockQueue{}
	h := NewHandler(HandlerConfig{Queue: q, Records: store.NewMemoryStore(), MaxBodyBytes: 32})

	rr := postIngest(http.HandlerFunc(h.ServeIngest), "application/json", nil,
		`{"tenant_id":"acme","text":"`+strings.Repeat("a", 100)+`"}`)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
	if n := len(q.enqueued()); n != 0 {
		t.Errorf("enqueued %d messages, want 0", n)
	}
}

// TestServeIngest_MethodNotAllowed verifies only POST is accepted.
func TestServeIngest_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(&mockQueue{}, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("Allow = %q, want POST", allow)
	}
}

// TestTenantRoutes verifies the read surface only exposes the requested
// tenant's records.
func TestTenantRoutes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.Put(ctx, models.ProcessedRecord{TenantID: "acme", LogID: "a-1", ModifiedData: "[REDACTED]", Attempt: 1})
	st.Put(ctx, models.ProcessedRecord{TenantID: "acme", LogID: "a-2", Attempt: 1})
	st.Put(ctx, models.ProcessedRecord{TenantID: "beta_inc", LogID: "b-1", Attempt: 1})

	mux := newTestHandler(&mockQueue{}, st).Routes()

	t.Run("list", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tenants/acme/logs", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		var resp TenantLogsResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.TenantID != "acme" || len(resp.Records) != 2 {
			t.Fatalf("response = %+v", resp)
		}
		for _, r := range resp.Records {
			if r.TenantID != "acme" {
				t.Errorf("leaked record of tenant %q", r.TenantID)
			}
		}
	})

	t.Run("empty tenant lists nothing", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tenants/nobody/logs", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"records":[]`) {
			t.Errorf("body = %s, want empty records array", rr.Body.String())
		}
	})

	t.Run("get", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tenants/acme/logs/a-1", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		var rec models.ProcessedRecord
		if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.LogID != "a-1" || rec.ModifiedData != "[REDACTED]" {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("cross-tenant get is not found", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tenants/acme/logs/b-1", nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})
}

// TestServeHealth verifies dependency checks.
func TestServeHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthCheck
		want   int
	}{
		{"no dependencies", nil, http.StatusOK},
		{"all healthy", []HealthCheck{{Name: "redis", Pinger: mockPinger{}}, {Name: "postgres", Pinger: mockPinger{}}}, http.StatusOK},
		{"one down", []HealthCheck{{Name: "redis", Pinger: mockPinger{}}, {Name: "postgres", Pinger: mockPinger{err: errors.New("down")}}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(HandlerConfig{Queue: &mockQueue{}, Records: store.NewMemoryStore(), HealthChecks: tt.checks})
			rr := httptest.NewRecorder()
			h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

// TestIngestToStore verifies a submission travels through the queue and a
// worker into the tenant's partition.
func TestIngestToStore(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Options{})
	st := store.NewMemoryStore()
	mux := newTestHandler(q, st).Routes()

	rr := postIngest(mux, "text/plain", map[string]string{"X-Tenant-ID": "beta_inc"},
		"Error - 555-0100 - NullPointerException at module X")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	var accepted AcceptedResponse
	json.NewDecoder(rr.Body).Decode(&accepted)

	rr = postIngest(mux, "application/json", nil, `{"tenant_id":"acme","text":"no phone here"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}

	batch, err := q.Receive(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	report := worker.NewProcessor(worker.ProcessorConfig{Queue: q, Store: st}).ProcessBatch(ctx, batch)
	if len(report.Succeeded) != 2 {
		t.Fatalf("report = %+v, want two successes", report)
	}

	get := httptest.NewRecorder()
	mux.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/tenants/beta_inc/logs/"+accepted.LogID, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", get.Code)
	}
	var rec models.ProcessedRecord
	if err := json.NewDecoder(get.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Source != models.SourceTextUpload || rec.TenantID != "beta_inc" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ModifiedData != "Error - [REDACTED] - NullPointerException at module X" {
		t.Errorf("modified_data = %q", rec.ModifiedData)
	}
	if rec.RequestID != accepted.RequestID {
		t.Errorf("request_id = %q, want %q", rec.RequestID, accepted.RequestID)
	}

	acme, _ := st.Query(ctx, "acme")
	beta, _ := st.Query(ctx, "beta_inc")
	if len(acme) != 1 || len(beta) != 1 {
		t.Errorf("partition sizes = acme %d, beta_inc %d, want 1 each", len(acme), len(beta))
	}
}

// TestServe verifies the server binds, answers and shuts down.
func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTestHandler(&mockQueue{}, store.NewMemoryStore())

	ready, done, err := Serve(ctx, 0, h.Routes())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server not ready")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
