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

// Package normalize turns inbound JSON or plain-text submissions into a
// canonical models.Message. It performs no I/O.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bcem/logpipe/internal/models"
)

// TenantHeader carries the tenant for text/plain submissions.
const TenantHeader = "X-Tenant-ID"

// Kind classifies a ValidationError.
type Kind string

const (
	MissingTenant          Kind = "missing_tenant"
	EmptyBody              Kind = "empty_body"
	MalformedBody          Kind = "malformed_body"
	UnsupportedContentType Kind = "unsupported_content_type"
)

// ValidationError is a client-caused rejection. It is never retried.
type ValidationError struct {
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(kind Kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// jsonPayload is the accepted application/json body. Unknown fields are
// ignored by encoding/json.
type jsonPayload struct {
	TenantID string `json:"tenant_id"`
	LogID    string `json:"log_id"`
	Text     string `json:"text"`
}

// Normalizer builds Messages. NewID and Now are injectable so tests get
// deterministic output.
type Normalizer struct {
	NewID func() string
	Now   func() time.Time
}

// New returns a Normalizer using random UUIDs and the UTC wall clock.
func New() *Normalizer {
	return &Normalizer{
		NewID: func() string { return uuid.New().String() },
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Normalize validates a submission and converts it into a Message.
// RequestID is left empty; the gateway assigns it.
func (n *Normalizer) Normalize(contentType string, headers http.Header, body []byte) (models.Message, *ValidationError) {
	if len(bytes.TrimSpace(body)) == 0 {
		return models.Message{}, invalid(EmptyBody, "request body cannot be empty")
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case isJSON(mediaType):
		return n.fromJSON(body)
	case mediaType == "text/plain":
		return n.fromText(headers, body)
	default:
		return models.Message{}, invalid(UnsupportedContentType,
			"Content-Type must be application/json or text/plain")
	}
}

func (n *Normalizer) fromJSON(body []byte) (models.Message, *ValidationError) {
	// encoding/json would silently replace invalid bytes with U+FFFD.
	if !utf8.Valid(body) {
		return models.Message{}, invalid(MalformedBody, "request body is not valid UTF-8")
	}
	var p jsonPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Message{}, invalid(MalformedBody, "invalid JSON: %v", err)
	}

	tenantID := strings.TrimSpace(p.TenantID)
	if tenantID == "" {
		return models.Message{}, invalid(MissingTenant, "tenant_id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return models.Message{}, invalid(EmptyBody, "text is required")
	}
	for _, f := range []struct{ name, value string }{
		{"tenant_id", p.TenantID}, {"log_id", p.LogID}, {"text", p.Text},
	} {
		if verr := checkText(f.name, f.value); verr != nil {
			return models.Message{}, verr
		}
	}

	logID := strings.TrimSpace(p.LogID)
	if logID == "" {
		logID = n.NewID()
	}

	return models.Message{
		TenantID:   tenantID,
		LogID:      logID,
		Source:     models.SourceJSONUpload,
		Text:       p.Text,
		ReceivedAt: n.Now(),
	}, nil
}

func (n *Normalizer) fromText(headers http.Header, body []byte) (models.Message, *ValidationError) {
	tenantID := strings.TrimSpace(headers.Get(TenantHeader))
	if tenantID == "" {
		return models.Message{}, invalid(MissingTenant, "%s header is required", TenantHeader)
	}
	if verr := checkText("body", string(body)); verr != nil {
		return models.Message{}, verr
	}

	return models.Message{
		TenantID:   tenantID,
		LogID:      n.NewID(),
		Source:     models.SourceTextUpload,
		Text:       string(body),
		ReceivedAt: n.Now(),
	}, nil
}

// checkText rejects values that cannot be queued and stored unchanged:
// invalid UTF-8 and NUL characters.
func checkText(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return invalid(MalformedBody, "%s is not valid UTF-8", field)
	}
	if strings.ContainsRune(value, 0) {
		return invalid(MalformedBody, "%s must not contain NUL characters", field)
	}
	return nil
}

// isJSON accepts application/json and structured-syntax suffixes such as
// application/vnd.acme+json.
func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
