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

package aws

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is a configurable in-memory implementation of Client for
// testing. It records every mutating call so tests can assert on the
// exact sequence of submissions, cancellations, and terminations.
type MockClient struct {
	mu sync.Mutex

	// PriceHistory maps instance type to the samples SpotPriceHistory
	// returns for it.
	PriceHistory map[string][]PriceSample

	// SpotRequests and Instances are the listings returned by
	// DescribeSpotRequests and DescribeInstances.
	SpotRequests []SpotRequest
	Instances    []Instance

	// FleetName is applied as the Name tag on submitted requests.
	FleetName string

	// Now supplies request create times. Defaults to time.Now.
	Now func() time.Time

	// Error injection, one per operation.
	PriceHistoryErr error
	RequestErr      error
	CancelErr       error
	DescribeErr     error
	TerminateErr    error
	TagErr          error

	// Call records.
	Submitted     []SubmittedRequest
	CanceledIDs   []string
	TerminatedIDs []string
	Tags          map[string][]string // resource ID -> "key=value" entries

	nextID int
}

// SubmittedRequest records one RequestSpotInstances call.
type SubmittedRequest struct {
	Price            float64
	AvailabilityZone string
	InstanceType     string
	Spec             LaunchSpec
}

// NewMockClient creates a MockClient with initialized maps.
func NewMockClient() *MockClient {
	return &MockClient{
		PriceHistory: make(map[string][]PriceSample),
		Tags:         make(map[string][]string),
		Now:          time.Now,
	}
}

// SpotPriceHistory returns the configured samples for the instance type,
// dropping samples before startTime and outside the zone restriction.
func (m *MockClient) SpotPriceHistory(
	_ context.Context,
	_ string,
	instanceType string,
	availabilityZone string,
	startTime time.Time,
) ([]PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceHistoryErr != nil {
		return nil, m.PriceHistoryErr
	}
	var out []PriceSample
	for _, s := range m.PriceHistory[instanceType] {
		if s.Timestamp.Before(startTime) {
			continue
		}
		if availabilityZone != "" && s.AvailabilityZone != availabilityZone {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// RequestSpotInstances records the submission and returns one fulfilled
// mock request tagged with the fleet name.
func (m *MockClient) RequestSpotInstances(
	_ context.Context,
	price float64,
	availabilityZoneGroup string,
	instanceType string,
	spec LaunchSpec,
) ([]SpotRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RequestErr != nil {
		return nil, m.RequestErr
	}
	m.Submitted = append(m.Submitted, SubmittedRequest{
		Price:            price,
		AvailabilityZone: availabilityZoneGroup,
		InstanceType:     instanceType,
		Spec:             spec,
	})
	m.nextID++
	req := SpotRequest{
		ID:           fmt.Sprintf("sir-mock%04d", m.nextID),
		Price:        price,
		InstanceType: instanceType,
		StatusCode:   "pending-evaluation",
		CreateTime:   m.Now(),
		Tags:         map[string]string{TagName: m.FleetName},
	}
	return []SpotRequest{req}, nil
}

// CancelSpotRequests records the cancellation.
func (m *MockClient) CancelSpotRequests(_ context.Context, requestIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.CanceledIDs = append(m.CanceledIDs, requestIDs...)
	return nil
}

// DescribeSpotRequests returns the configured listing.
func (m *MockClient) DescribeSpotRequests(_ context.Context) ([]SpotRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DescribeErr != nil {
		return nil, m.DescribeErr
	}
	out := make([]SpotRequest, len(m.SpotRequests))
	copy(out, m.SpotRequests)
	return out, nil
}

// DescribeInstances returns the configured listing.
func (m *MockClient) DescribeInstances(_ context.Context) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DescribeErr != nil {
		return nil, m.DescribeErr
	}
	out := make([]Instance, len(m.Instances))
	copy(out, m.Instances)
	return out, nil
}

// TerminateInstances records the termination and flips the instance state
// in the configured listing.
func (m *MockClient) TerminateInstances(_ context.Context, instanceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TerminateErr != nil {
		return m.TerminateErr
	}
	m.TerminatedIDs = append(m.TerminatedIDs, instanceIDs...)
	for _, id := range instanceIDs {
		for i := range m.Instances {
			if m.Instances[i].InstanceID == id {
				m.Instances[i].State = "shutting-down"
			}
		}
	}
	return nil
}

// CreateTag records the tag and applies it to any matching configured
// instance so subsequent listings observe it.
func (m *MockClient) CreateTag(_ context.Context, resourceID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TagErr != nil {
		return m.TagErr
	}
	m.Tags[resourceID] = append(m.Tags[resourceID], key+"="+value)
	for i := range m.Instances {
		if m.Instances[i].InstanceID == resourceID {
			if m.Instances[i].Tags == nil {
				m.Instances[i].Tags = map[string]string{}
			}
			m.Instances[i].Tags[key] = value
		}
	}
	return nil
}
