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

// Package store persists processed log records partitioned by tenant.
//
// Every operation takes the tenant as its leading key. There is no method
// that reads across partitions, so a query for one tenant cannot return
// another tenant's records.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/bcem/logpipe/internal/models"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// ErrInvalidKey is returned when the tenant or log ID is empty.
var ErrInvalidKey = errors.New("tenant_id and log_id are required")

// Store is the persistence contract used by the worker and the gateway.
type Store interface {
	// Put writes rec under (rec.TenantID, rec.LogID), replacing any record
	// already stored under that key. The write is atomic per key.
	Put(ctx context.Context, rec models.ProcessedRecord) error

	// Get returns the record for one key, or ErrNotFound.
	Get(ctx context.Context, tenantID, logID string) (*models.ProcessedRecord, error)

	// Query returns every record in the tenant's partition, ordered by
	// log ID.
	Query(ctx context.Context, tenantID string) ([]models.ProcessedRecord, error)
}

func validKey(tenantID, logID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(logID) == "" {
		return ErrInvalidKey
	}
	return nil
}
