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

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/bcem/logpipe/internal/models"
)

// MemoryStore keeps one map per tenant. Reads for a tenant only ever touch
// that tenant's map.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]models.ProcessedRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]map[string]models.ProcessedRecord)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec models.ProcessedRecord) error {
	if err := validKey(rec.TenantID, rec.LogID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[rec.TenantID]
	if !ok {
		p = make(map[string]models.ProcessedRecord)
		s.partitions[rec.TenantID] = p
	}
	p[rec.LogID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, logID string) (*models.ProcessedRecord, error) {
	if err := validKey(tenantID, logID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.partitions[tenantID][logID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, tenantID string) ([]models.ProcessedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.partitions[tenantID]
	out := make([]models.ProcessedRecord, 0, len(p))
	for _, rec := range p {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogID < out[j].LogID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
