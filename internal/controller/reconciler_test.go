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

package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
	"github.com/spotherd/spotherd/pkg/metrics"
)

// stubPricing serves a fixed candidate list.
type stubPricing struct {
	candidates []pricing.Candidate
}

func (s *stubPricing) Candidates(context.Context) ([]pricing.Candidate, error) {
	return s.candidates, nil
}

func (s *stubPricing) Lookup(instanceType string) (pricing.Candidate, bool) {
	for _, c := range s.candidates {
		if c.Type.InstanceType == instanceType {
			return c, true
		}
	}
	return pricing.Candidate{}, false
}

// fakeManager records setup and teardown calls and can be told to fail
// setup.
type fakeManager struct {
	mu              sync.Mutex
	requiredUtility float64
	setupRequired   bool
	setupErr        error
	setups          []string
	teardowns       []string
}

func (f *fakeManager) SetupRequired() bool      { return f.setupRequired }
func (f *fakeManager) RequiredUtility() float64 { return f.requiredUtility }

func (f *fakeManager) Setup(_ context.Context, inst aws.Instance, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, inst.InstanceID)
	return f.setupErr
}

func (f *fakeManager) Teardown(_ context.Context, inst aws.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, inst.InstanceID)
	return nil
}

func reconcilerConfig() *config.Config {
	return &config.Config{
		AWS:             config.AWSConfig{Region: "us-west-2"},
		Budget:          1.00,
		MaxNewUtility:   10,
		MaxUtilityPrice: 0.50,
		BidPercentile:   80,
		PriceFile:       "unused.json",
		RunInterval:     10 * time.Minute,
		Utility: []config.InstanceTypeSpec{
			{InstanceType: "m3.large", Utility: 1},
			{InstanceType: "m3.2xlarge", Utility: 2},
		},
		EC2: config.EC2Config{
			Instance: config.EC2InstanceConfig{Name: "spot-fleet"},
		},
		Debug: config.DebugConfig{Level: "info"},
	}
}

func candidate(zone, instanceType string, utility, price80, current float64, higher *float64) pricing.Candidate {
	return pricing.Candidate{
		AvailabilityZone: zone,
		Type:             config.InstanceTypeSpec{InstanceType: instanceType, Utility: utility},
		Price80:          price80,
		MaxPrice:         price80,
		CurrentPrice:     &current,
		EstimatedValue:   utility / price80,
		HigherPrice:      higher,
	}
}

func price(v float64) *float64 { return &v }

func newTestReconciler(
	client *aws.MockClient,
	cfg *config.Config,
	candidates ...pricing.Candidate,
) (*SpotReconciler, *fakeManager) {
	mgr := &fakeManager{}
	rec := NewSpotReconciler(
		client,
		cfg,
		&stubPricing{candidates: candidates},
		fleet.NewInventory(client, cfg.EC2.Instance.Name, logr.Discard()),
		fleet.NewRegistry(),
		mgr,
		metrics.NewMetrics(prometheus.NewRegistry()),
		logr.Discard(),
	)
	return rec, mgr
}

func fleetTag() map[string]string {
	return map[string]string{aws.TagName: "spot-fleet (running)"}
}

func TestColdStartSubmitsWithinBudget(t *testing.T) {
	client := aws.NewMockClient()
	rec, _ := newTestReconciler(client, reconcilerConfig(),
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 2))

	require.Len(t, client.Submitted, 2)
	assert.InDelta(t, 0.10, client.Submitted[0].Price, 1e-9)
	assert.LessOrEqual(t, client.Submitted[1].Price, 0.12)

	var total float64
	for _, s := range client.Submitted {
		total += s.Price
	}
	assert.LessOrEqual(t, total, 1.00, "submissions stay within the budget")
	assert.Equal(t, 2, rec.Registry.Len(), "submitted requests land in the registry")
}

func TestOverBudgetShedsCapacity(t *testing.T) {
	cfg := reconcilerConfig()
	client := aws.NewMockClient()
	client.SpotRequests = []aws.SpotRequest{
		{ID: "sir-a", Price: 0.60, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-1"},
		{ID: "sir-b", Price: 0.60, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-2"},
	}
	client.Instances = []aws.Instance{
		{InstanceID: "i-1", InstanceType: "m3.large", State: "running",
			SpotInstanceRequestID: "sir-a", Tags: fleetTag()},
		{InstanceID: "i-2", InstanceType: "m3.large", State: "running",
			SpotInstanceRequestID: "sir-b", Tags: fleetTag()},
	}

	rec, mgr := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	// used = 1.20 against a budget of 1.00; shedding two instances at
	// the reference price of 0.10 restores the balance.
	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 0))

	assert.ElementsMatch(t, []string{"i-1", "i-2"}, client.TerminatedIDs)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, mgr.teardowns)
	assert.Contains(t, client.CanceledIDs, "sir-a")
	assert.Contains(t, client.CanceledIDs, "sir-b")
	assert.Empty(t, client.Submitted)
}

func TestOverBudgetNeverCancelsForeignRequests(t *testing.T) {
	cfg := reconcilerConfig()
	client := aws.NewMockClient()
	client.SpotRequests = []aws.SpotRequest{
		{ID: "sir-mine", Price: 1.20, InstanceType: "m3.large", StatusCode: "fulfilled"},
		{ID: "sir-foreign", Price: 0.50, InstanceType: "m3.large", StatusCode: "fulfilled",
			Tags: map[string]string{aws.TagName: "other-app"}},
	}

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 0))

	assert.Contains(t, client.CanceledIDs, "sir-mine")
	assert.NotContains(t, client.CanceledIDs, "sir-foreign")
}

func TestSurplusRemovesOneInstance(t *testing.T) {
	cfg := reconcilerConfig()
	client := aws.NewMockClient()
	client.SpotRequests = []aws.SpotRequest{
		{ID: "sir-a", Price: 0.10, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-1"},
		{ID: "sir-b", Price: 0.10, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-2"},
		{ID: "sir-c", Price: 0.10, InstanceType: "m3.large", StatusCode: "fulfilled", InstanceID: "i-3"},
	}
	for _, req := range client.SpotRequests {
		client.Instances = append(client.Instances, aws.Instance{
			InstanceID: req.InstanceID, InstanceType: "m3.large", State: "running",
			SpotInstanceRequestID: req.ID, Tags: fleetTag(),
		})
	}

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	// current utility 3, required 2: exactly one instance goes.
	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 2))

	assert.Len(t, client.TerminatedIDs, 1)
	assert.Len(t, client.CanceledIDs, 1)
	assert.Empty(t, client.Submitted)
	assert.Equal(t, 0, rec.Registry.Len())
}

func TestNoCandidatesUnderCapAlerts(t *testing.T) {
	cfg := reconcilerConfig()
	cfg.MaxUtilityPrice = 0.15
	client := aws.NewMockClient()

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.20, 0.20, nil))

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 2))

	assert.Empty(t, client.Submitted)
	select {
	case <-rec.Done():
	default:
		t.Fatal("done must be signalled even when nothing can be funded")
	}
}

func TestLadderSpread(t *testing.T) {
	cfg := reconcilerConfig()
	cfg.MaxUtilityPrice = 0.20
	client := aws.NewMockClient()

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, price(0.18)))

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 4))

	// interval = min(0.10/10, (min(0.18, 0.20) - 0.10)/3) = 0.01
	require.Len(t, client.Submitted, 4)
	for i, want := range []float64{0.10, 0.11, 0.12, 0.13} {
		assert.InDelta(t, want, client.Submitted[i].Price, 1e-9)
	}
}

func TestBudgetSafetySkipsUnaffordableBids(t *testing.T) {
	cfg := reconcilerConfig()
	cfg.Budget = 0.25
	client := aws.NewMockClient()

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 5))

	var total float64
	for _, s := range client.Submitted {
		total += s.Price
	}
	assert.LessOrEqual(t, total, 0.25)
	assert.Len(t, client.Submitted, 2)
}

func TestSingleBidRidesAboveCurrentPrice(t *testing.T) {
	cfg := reconcilerConfig()
	client := aws.NewMockClient()

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.12, nil))

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 1))

	require.Len(t, client.Submitted, 1)
	assert.InDelta(t, 0.132, client.Submitted[0].Price, 1e-9)
}

func TestCandidateWithoutCurrentPriceSkipped(t *testing.T) {
	cfg := reconcilerConfig()
	client := aws.NewMockClient()

	noPrice := candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil)
	noPrice.CurrentPrice = nil

	rec, _ := newTestReconciler(client, cfg, noPrice)

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 2))
	assert.Empty(t, client.Submitted)
}

func TestDiscountedPricingInBudget(t *testing.T) {
	cfg := reconcilerConfig()
	cfg.Budget = 0.50
	cfg.Utility[0].Discount = 0.05
	client := aws.NewMockClient()
	client.SpotRequests = []aws.SpotRequest{
		{ID: "sir-a", Price: 0.30, InstanceType: "m3.large", StatusCode: "fulfilled"},
	}

	rec, _ := newTestReconciler(client, cfg,
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	// Effective price is 0.25, leaving 0.25 of budget: room for two
	// more laddered bids at 0.10 and 0.11.
	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 3))
	assert.Len(t, client.Submitted, 2)
}

func TestBudgetPositionReportsCurrentSpending(t *testing.T) {
	cfg := reconcilerConfig()
	cfg.Utility[0].Discount = 0.125
	client := aws.NewMockClient()
	client.SpotRequests = []aws.SpotRequest{
		{ID: "sir-a", Price: 0.25, InstanceType: "m3.large", StatusCode: "fulfilled"},
		{ID: "sir-b", Price: 0.25, InstanceType: "m3.large", StatusCode: "fulfilled"},
	}

	var logged []string
	log := funcr.New(func(_, args string) { logged = append(logged, args) }, funcr.Options{})

	rec := NewSpotReconciler(
		client,
		cfg,
		&stubPricing{candidates: []pricing.Candidate{
			candidate("us-west-2c", "m3.large", 1, 0.25, 0.375, nil),
		}},
		fleet.NewInventory(client, cfg.EC2.Instance.Name, logr.Discard()),
		fleet.NewRegistry(),
		&fakeManager{},
		metrics.NewMetrics(prometheus.NewRegistry()),
		log,
	)

	require.NoError(t, rec.UpdateSpotRequests(context.Background(), 2))

	var position string
	for _, line := range logged {
		if strings.Contains(line, "Budget position") {
			position = line
		}
	}
	require.NotEmpty(t, position, "budget position must be logged")
	// Two instances at the current price of 0.375, each discounted by
	// 0.125: the fleet spends 0.5 per hour right now, while the budget
	// is charged the bid prices.
	assert.Contains(t, position, `"currentSpending"=0.5`)
	assert.Contains(t, position, `"usedBudget"=0.25`)
}

func TestDoneSignalledOnFailure(t *testing.T) {
	client := aws.NewMockClient()
	client.DescribeErr = assert.AnError

	rec, _ := newTestReconciler(client, reconcilerConfig(),
		candidate("us-west-2c", "m3.large", 1, 0.10, 0.10, nil))

	require.Error(t, rec.UpdateSpotRequests(context.Background(), 2))
	select {
	case <-rec.Done():
	default:
		t.Fatal("done must be signalled on the error path")
	}
}
