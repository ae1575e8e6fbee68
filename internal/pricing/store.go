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

// Package pricing builds the per-(zone, type) bid candidates from spot
// price history: a persistent sample store and an aggregator that rolls
// samples up into hourly maxima and percentile reference prices.
package pricing

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/go-logr/logr"

	"github.com/spotherd/spotherd/pkg/aws"
)

// Store persists a deduplicated set of price samples as a pretty-printed
// JSON file.
type Store struct {
	path string
	log  logr.Logger
}

// NewStore creates a store backed by the file at path.
func NewStore(path string, log logr.Logger) *Store {
	return &Store{path: path, log: log.WithName("price-store")}
}

// Load reads the sample set, keyed for dedup. A missing or unreadable
// file yields an empty set; load never fails visibly.
func (s *Store) Load() map[string]aws.PriceSample {
	samples := make(map[string]aws.PriceSample)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error(err, "Failed to read price file, starting empty", "path", s.path)
		}
		return samples
	}

	var list []aws.PriceSample
	if err := json.Unmarshal(data, &list); err != nil {
		s.log.Error(err, "Failed to parse price file, starting empty", "path", s.path)
		return samples
	}

	for _, sample := range list {
		samples[sample.Key()] = sample
	}
	return samples
}

// Save rewrites the file with the full sample set, sorted by timestamp
// then zone and type so successive saves of the same set are identical.
func (s *Store) Save(samples map[string]aws.PriceSample) error {
	list := make([]aws.PriceSample, 0, len(samples))
	for _, sample := range samples {
		list = append(list, sample)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.Before(list[j].Timestamp)
		}
		if list[i].AvailabilityZone != list[j].AvailabilityZone {
			return list[i].AvailabilityZone < list[j].AvailabilityZone
		}
		if list[i].InstanceType != list[j].InstanceType {
			return list[i].InstanceType < list[j].InstanceType
		}
		return list[i].Price < list[j].Price
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
