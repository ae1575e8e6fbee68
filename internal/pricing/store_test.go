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

package pricing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/pkg/aws"
)

func sampleAt(ts time.Time, zone, instanceType string, price float64) aws.PriceSample {
	return aws.PriceSample{
		AvailabilityZone:   zone,
		InstanceType:       instanceType,
		Price:              price,
		ProductDescription: aws.ProductDescriptionLinuxVPC,
		Region:             "us-west-2",
		Timestamp:          ts,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	store := NewStore(path, logr.Discard())

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	samples := map[string]aws.PriceSample{}
	for _, s := range []aws.PriceSample{
		sampleAt(ts, "us-west-2a", "m3.large", 0.10),
		sampleAt(ts.Add(time.Hour), "us-west-2a", "m3.large", 0.12),
		sampleAt(ts, "us-west-2c", "m3.2xlarge", 0.31),
	} {
		samples[s.Key()] = s
	}

	require.NoError(t, store.Save(samples))

	loaded := store.Load()
	require.Len(t, loaded, 3)
	assert.Equal(t, samples, loaded)
}

func TestStoreDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	store := NewStore(path, logr.Discard())

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	s := sampleAt(ts, "us-west-2a", "m3.large", 0.10)

	samples := map[string]aws.PriceSample{s.Key(): s}
	require.NoError(t, store.Save(samples))

	// Re-inserting an identical sample collapses onto the same key.
	loaded := store.Load()
	loaded[s.Key()] = s
	require.NoError(t, store.Save(loaded))
	assert.Len(t, store.Load(), 1)
}

func TestStoreMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"), logr.Discard())
	assert.Empty(t, store.Load())
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(path, logr.Discard())
	assert.Empty(t, store.Load())
}

func TestStoreSaveIsDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	store := NewStore(path, logr.Discard())

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	samples := map[string]aws.PriceSample{}
	for i := 0; i < 10; i++ {
		s := sampleAt(ts.Add(time.Duration(i)*time.Minute), "us-west-2a", "m3.large", 0.10+float64(i)/100)
		samples[s.Key()] = s
	}

	require.NoError(t, store.Save(samples))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(store.Load()))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
