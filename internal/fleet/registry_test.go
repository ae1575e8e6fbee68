// Copyright 2025 Spotherd Contributors
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

package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spotherd/spotherd/pkg/aws"
)

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 0, reg.Len())

	reg.Add(
		aws.SpotRequest{ID: "sir-1", Price: 0.10},
		aws.SpotRequest{ID: "sir-2", Price: 0.11},
	)
	assert.Equal(t, 2, reg.Len())

	// Re-adding the same ID overwrites, not duplicates.
	reg.Add(aws.SpotRequest{ID: "sir-1", Price: 0.12})
	assert.Equal(t, 2, reg.Len())

	reg.Remove("sir-1")
	assert.Equal(t, 1, reg.Len())
	reg.Remove("sir-1")
	assert.Equal(t, 1, reg.Len())
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Add(aws.SpotRequest{ID: "sir-1"})

	snap := reg.Snapshot()
	assert.Len(t, snap, 1)

	reg.Remove("sir-1")
	assert.Len(t, snap, 1)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryExpireOlderThan(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	runInterval := 10 * time.Minute
	cutoff := now.Add(-(runInterval + 2*time.Minute))

	reg := NewRegistry()
	reg.Add(
		aws.SpotRequest{ID: "sir-old", CreateTime: cutoff.Add(-time.Second)},
		aws.SpotRequest{ID: "sir-edge", CreateTime: cutoff},
		aws.SpotRequest{ID: "sir-new", CreateTime: now.Add(-time.Minute)},
	)

	assert.Equal(t, 1, reg.ExpireOlderThan(cutoff))

	ids := map[string]bool{}
	for _, req := range reg.Snapshot() {
		ids[req.ID] = true
	}
	assert.False(t, ids["sir-old"])
	assert.True(t, ids["sir-edge"])
	assert.True(t, ids["sir-new"])
}
