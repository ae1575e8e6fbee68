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
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
)

// lookbackOnColdStart bounds how far back history is fetched when the
// store has no samples for an instance type.
const lookbackOnColdStart = 7 * 24 * time.Hour

// Candidate is one (zone, instance type) bidding option after
// aggregation.
type Candidate struct {
	// AvailabilityZone is the zone the prices were observed in.
	AvailabilityZone string

	// Type is the configured utility row for the instance type.
	Type config.InstanceTypeSpec

	// Price80 is the bid_percentile-th percentile of the hourly price
	// maxima. It is the reference price: bids start here and the
	// candidate's value is measured against it.
	Price80 float64

	// MaxPrice is the highest hourly maximum in the window.
	MaxPrice float64

	// CurrentPrice is the latest observed price, nil when the window
	// holds no samples for the pair.
	CurrentPrice *float64

	// AllPrices is the hourly maxima sorted ascending.
	AllPrices []float64

	// EstimatedValue is Type.Utility / Price80. Candidates are ranked by
	// it descending.
	EstimatedValue float64

	// HigherPrice is the smallest hourly maximum strictly above Price80,
	// nil when Price80 is already the maximum. It caps the bid ladder.
	HigherPrice *float64
}

// Aggregator fetches fresh price history, merges it into the store, and
// rolls the last day of samples up into ranked candidates. The result is
// memoized until Invalidate.
type Aggregator struct {
	client aws.Client
	store  *Store
	cfg    *config.Config
	log    logr.Logger

	// clock is replaceable for tests.
	clock func() time.Time

	mu         sync.Mutex
	candidates []Candidate
	lookup     map[string]Candidate
	fresh      bool
}

// NewAggregator creates an aggregator over the given store and client.
func NewAggregator(client aws.Client, store *Store, cfg *config.Config, log logr.Logger) *Aggregator {
	return &Aggregator{
		client: client,
		store:  store,
		cfg:    cfg,
		log:    log.WithName("price-aggregator"),
		clock:  time.Now,
	}
}

// Candidates returns the ranked candidate list, refreshing history and
// recomputing on first use after an Invalidate.
func (a *Aggregator) Candidates(ctx context.Context) ([]Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fresh {
		return a.candidates, nil
	}

	samples, err := a.refresh(ctx)
	if err != nil {
		return nil, err
	}

	a.candidates = a.aggregate(samples)
	a.lookup = make(map[string]Candidate)
	for _, c := range a.candidates {
		if _, ok := a.lookup[c.Type.InstanceType]; !ok {
			a.lookup[c.Type.InstanceType] = c
		}
	}
	a.fresh = true
	return a.candidates, nil
}

// Lookup returns the best-ranked candidate for the instance type.
// Candidates must have been computed first.
func (a *Aggregator) Lookup(instanceType string) (Candidate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.lookup[instanceType]
	return c, ok
}

// Invalidate discards the memoized candidates so the next Candidates
// call refetches and recomputes.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fresh = false
}

// refresh loads the store, pulls history newer than what it holds for
// each configured type, and persists the merged set.
func (a *Aggregator) refresh(ctx context.Context) (map[string]aws.PriceSample, error) {
	samples := a.store.Load()

	latestByType := make(map[string]time.Time)
	for _, sample := range samples {
		if sample.Timestamp.After(latestByType[sample.InstanceType]) {
			latestByType[sample.InstanceType] = sample.Timestamp
		}
	}

	now := a.clock()
	for _, spec := range a.cfg.Utility {
		start := now.Add(-lookbackOnColdStart)
		if latest := latestByType[spec.InstanceType]; latest.After(start) {
			start = latest
		}

		fetched, err := a.client.SpotPriceHistory(ctx,
			aws.ProductDescriptionLinuxVPC, spec.InstanceType,
			a.cfg.AvailabilityZone, start)
		if err != nil {
			return nil, fmt.Errorf("fetching price history for %s: %w",
				spec.InstanceType, err)
		}
		a.log.V(1).Info("Fetched spot price history",
			"instanceType", spec.InstanceType, "since", start, "samples", len(fetched))
		for _, sample := range fetched {
			samples[sample.Key()] = sample
		}
	}

	if err := a.store.Save(samples); err != nil {
		a.log.Error(err, "Failed to persist price store")
	}
	return samples, nil
}

// series groups the in-window samples of one (zone, type) pair.
type series struct {
	zone         string
	instanceType string
	samples      []aws.PriceSample
}

// aggregate rolls samples up into ranked candidates per the windowing and
// bucketing rules. Deterministic for a fixed sample set and clock.
func (a *Aggregator) aggregate(samples map[string]aws.PriceSample) []Candidate {
	now := a.clock()
	// Buckets cover the last 24 whole hours. A sample's active interval
	// may extend past bucketEnd (the last sample covers the rest of the
	// day) but no bucket is emitted beyond it.
	bucketEnd := now.Truncate(time.Hour)
	windowStart := bucketEnd.Add(-24 * time.Hour)

	byPair := make(map[string]*series)
	for _, sample := range samples {
		if !sample.Timestamp.After(windowStart) {
			continue
		}
		if _, ok := a.cfg.UtilityByType(sample.InstanceType); !ok {
			continue
		}
		key := sample.AvailabilityZone + "/" + sample.InstanceType
		s := byPair[key]
		if s == nil {
			s = &series{zone: sample.AvailabilityZone, instanceType: sample.InstanceType}
			byPair[key] = s
		}
		s.samples = append(s.samples, sample)
	}

	var candidates []Candidate
	for _, s := range byPair {
		sort.Slice(s.samples, func(i, j int) bool {
			return s.samples[i].Timestamp.Before(s.samples[j].Timestamp)
		})

		// Each sample is active until the next one arrives; the last
		// covers the rest of the day.
		maxByHour := make(map[time.Time]float64)
		for i, sample := range s.samples {
			start := sample.Timestamp
			end := bucketEnd
			if i+1 < len(s.samples) && s.samples[i+1].Timestamp.Before(end) {
				end = s.samples[i+1].Timestamp
			}
			for h := start.Truncate(time.Hour); h.Before(end); h = h.Add(time.Hour) {
				if sample.Price > maxByHour[h] {
					maxByHour[h] = sample.Price
				}
			}
		}

		allPrices := make([]float64, 0, len(maxByHour))
		for _, p := range maxByHour {
			allPrices = append(allPrices, p)
		}
		sort.Float64s(allPrices)
		if len(allPrices) == 0 {
			continue
		}

		spec, _ := a.cfg.UtilityByType(s.instanceType)
		price80 := percentile(allPrices, a.cfg.BidPercentile)
		if price80 <= 0 {
			a.log.Info("Skipping candidate with zero reference price",
				"availabilityZone", s.zone, "instanceType", s.instanceType)
			continue
		}

		current := s.samples[len(s.samples)-1].Price
		candidate := Candidate{
			AvailabilityZone: s.zone,
			Type:             spec,
			Price80:          price80,
			MaxPrice:         allPrices[len(allPrices)-1],
			CurrentPrice:     &current,
			AllPrices:        allPrices,
			EstimatedValue:   spec.Utility / price80,
		}
		for _, p := range allPrices {
			if p > price80 {
				p := p
				candidate.HigherPrice = &p
				break
			}
		}
		candidates = append(candidates, candidate)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EstimatedValue != candidates[j].EstimatedValue {
			return candidates[i].EstimatedValue > candidates[j].EstimatedValue
		}
		if candidates[i].AvailabilityZone != candidates[j].AvailabilityZone {
			return candidates[i].AvailabilityZone < candidates[j].AvailabilityZone
		}
		return candidates[i].Type.InstanceType < candidates[j].Type.InstanceType
	})
	return candidates
}

// percentile returns the p-th percentile (nearest-rank) of the ascending
// values: p=0 yields the minimum, p=100 the maximum.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
