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

// Package fleet tracks the controller's view of its spot requests and
// running instances: an in-memory registry of freshly submitted requests
// and tag-filtered projections of the cloud listings.
package fleet

import (
	"sync"
	"time"

	"github.com/spotherd/spotherd/pkg/aws"
)

// Registry holds spot requests the controller submitted that may not yet
// appear in cloud listings. The reconciler inserts at submission time;
// the watcher removes entries as their instances complete setup or get
// terminated, and garbage-collects by age.
type Registry struct {
	mu       sync.Mutex
	requests map[string]aws.SpotRequest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{requests: make(map[string]aws.SpotRequest)}
}

// Add inserts the requests, keyed by ID.
func (r *Registry) Add(requests ...aws.SpotRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range requests {
		r.requests[req.ID] = req
	}
}

// Remove drops the request with the given ID, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
}

// Snapshot returns a copy of the current entries.
func (r *Registry) Snapshot() []aws.SpotRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]aws.SpotRequest, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req)
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// ExpireOlderThan drops entries created before cutoff and returns how
// many were dropped.
func (r *Registry) ExpireOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, req := range r.requests {
		if req.CreateTime.Before(cutoff) {
			delete(r.requests, id)
			dropped++
		}
	}
	return dropped
}
