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
	"context"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/pkg/aws"
)

// ManagedInstance is a running managed instance joined with its pricing
// candidate.
type ManagedInstance struct {
	aws.Instance

	// Markup is the best-ranked candidate for the instance's type.
	Markup pricing.Candidate
}

// Inventory derives the managed projections of the cloud listings: spot
// requests and running instances that carry the fleet's name prefix.
type Inventory struct {
	client     aws.Client
	namePrefix string
	log        logr.Logger
}

// NewInventory creates an inventory filtering on the given name prefix.
func NewInventory(client aws.Client, namePrefix string, log logr.Logger) *Inventory {
	return &Inventory{
		client:     client,
		namePrefix: namePrefix,
		log:        log.WithName("inventory"),
	}
}

// ManagedSpotRequests lists spot requests whose Name tag is absent or
// starts with the fleet prefix. An untagged request counts as managed
// because tagging a fresh request may lag its creation.
func (inv *Inventory) ManagedSpotRequests(ctx context.Context) ([]aws.SpotRequest, error) {
	requests, err := inv.client.DescribeSpotRequests(ctx)
	if err != nil {
		return nil, err
	}
	var managed []aws.SpotRequest
	for _, req := range requests {
		name := req.Tags[aws.TagName]
		if name == "" || strings.HasPrefix(name, inv.namePrefix) {
			managed = append(managed, req)
		}
	}
	return managed, nil
}

// ManagedInstances lists running instances whose Name tag starts with
// the fleet prefix, each joined with its candidate via lookup. Instances
// without a candidate are logged and skipped. The result is ordered for
// removal decisions: utility descending, then estimated value ascending,
// so the largest, worst-value instances are shed first.
func (inv *Inventory) ManagedInstances(
	ctx context.Context,
	lookup func(instanceType string) (pricing.Candidate, bool),
) ([]ManagedInstance, error) {
	instances, err := inv.client.DescribeInstances(ctx)
	if err != nil {
		return nil, err
	}

	var managed []ManagedInstance
	for _, inst := range instances {
		if inst.State != aws.InstanceStateRunning {
			continue
		}
		if !strings.HasPrefix(inst.Tags[aws.TagName], inv.namePrefix) {
			continue
		}
		markup, ok := lookup(inst.InstanceType)
		if !ok {
			inv.log.Info("Running managed instance has no configured instance type, skipping",
				"instanceID", inst.InstanceID, "instanceType", inst.InstanceType)
			continue
		}
		managed = append(managed, ManagedInstance{Instance: inst, Markup: markup})
	}

	sort.Slice(managed, func(i, j int) bool {
		if managed[i].Markup.Type.Utility != managed[j].Markup.Type.Utility {
			return managed[i].Markup.Type.Utility > managed[j].Markup.Type.Utility
		}
		if managed[i].Markup.EstimatedValue != managed[j].Markup.EstimatedValue {
			return managed[i].Markup.EstimatedValue < managed[j].Markup.EstimatedValue
		}
		return managed[i].InstanceID < managed[j].InstanceID
	})
	return managed, nil
}
