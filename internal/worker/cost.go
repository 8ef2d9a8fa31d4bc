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

package worker

import (
	"context"
	"time"
)

// CostModel spends the processing cost of a payload. Implementations must
// return promptly with ctx.Err() when the context ends.
type CostModel interface {
	Spend(ctx context.Context, text string) error
}

// NoCost does nothing.
type NoCost struct{}

// Spend implements CostModel.
func (NoCost) Spend(ctx context.Context, _ string) error {
	return ctx.Err()
}

// PerByteDelay simulates CPU-bound work by sleeping PerByte for every byte
// of the payload, capped at Max when Max is positive. The delay never
// decreases as the payload grows.
type PerByteDelay struct {
	PerByte time.Duration
	Max     time.Duration
}

// Duration returns the delay for a payload of n bytes.
func (c PerByteDelay) Duration(n int) time.Duration {
	d := time.Duration(n) * c.PerByte
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}
	return d
}

// Spend implements CostModel.
func (c PerByteDelay) Spend(ctx context.Context, text string) error {
	d := c.Duration(len(text))
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
