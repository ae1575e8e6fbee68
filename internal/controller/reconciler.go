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

// Package controller implements the budget reconciler, the bid planner,
// and the instance life-cycle watcher.
package controller

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/internal/pricing"
	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
	"github.com/spotherd/spotherd/pkg/manager"
	"github.com/spotherd/spotherd/pkg/metrics"
)

// CandidateSource supplies the ranked bid candidates and the per-type
// lookup. Implemented by pricing.Aggregator.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]pricing.Candidate, error)
	Lookup(instanceType string) (pricing.Candidate, bool)
}

// SpotReconciler drives one reconciliation of the fleet against the
// budget: charge active requests, shed when over budget or over target,
// bid when under target.
type SpotReconciler struct {
	Client    aws.Client
	Config    *config.Config
	Pricing   CandidateSource
	Inventory *fleet.Inventory
	Registry  *fleet.Registry
	Manager   manager.InstanceManager
	Metrics   *metrics.Metrics
	Log       logr.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewSpotReconciler wires a reconciler over the given collaborators.
func NewSpotReconciler(
	client aws.Client,
	cfg *config.Config,
	pr CandidateSource,
	inv *fleet.Inventory,
	reg *fleet.Registry,
	mgr manager.InstanceManager,
	m *metrics.Metrics,
	log logr.Logger,
) *SpotReconciler {
	return &SpotReconciler{
		Client:    client,
		Config:    cfg,
		Pricing:   pr,
		Inventory: inv,
		Registry:  reg,
		Manager:   mgr,
		Metrics:   m,
		Log:       log.WithName("spot-reconciler"),
		done:      make(chan struct{}),
	}
}

// Done is closed once the reconciler has finished issuing and canceling
// requests. The life-cycle watcher observes it to decide when to exit.
func (r *SpotReconciler) Done() <-chan struct{} {
	return r.done
}

func (r *SpotReconciler) signalDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

// UpdateSpotRequests reconciles the fleet toward utilityRequired within
// the configured budget. Done is signalled on every return path so the
// watcher never waits on a failed reconciliation.
func (r *SpotReconciler) UpdateSpotRequests(ctx context.Context, utilityRequired float64) error {
	defer r.signalDone()

	// Candidates are needed before any budget decision: shedding credits
	// the reference price and instance joins go through the lookup.
	if _, err := r.Pricing.Candidates(ctx); err != nil {
		return err
	}

	requests, err := r.Inventory.ManagedSpotRequests(ctx)
	if err != nil {
		return err
	}

	var usedBudget, currentUtility, currentSpending float64
	for _, req := range requests {
		if !aws.IsActiveStatus(req.StatusCode) {
			continue
		}
		spec, ok := r.Config.UtilityByType(req.InstanceType)
		if !ok {
			r.Log.Info("Active spot request has no configured instance type",
				"requestID", req.ID, "instanceType", req.InstanceType)
			continue
		}
		effectivePrice := req.Price - spec.Discount
		usedBudget += effectivePrice
		currentUtility += spec.Utility
		// The budget charges the bid price; the market's current price
		// is what the fleet actually pays right now.
		if c, ok := r.Pricing.Lookup(req.InstanceType); ok && c.CurrentPrice != nil {
			currentSpending += *c.CurrentPrice - spec.Discount
		}
		r.Log.V(1).Info("Active spot request",
			"requestID", req.ID,
			"instanceType", req.InstanceType,
			"status", req.StatusCode,
			"price", req.Price,
			"effectivePrice", effectivePrice)
	}

	remainingBudget := r.Config.Budget - usedBudget
	netNewUtility := utilityRequired - currentUtility
	r.Log.Info("Budget position",
		"budget", r.Config.Budget,
		"usedBudget", usedBudget,
		"remainingBudget", remainingBudget,
		"currentSpending", currentSpending,
		"currentUtility", currentUtility,
		"utilityRequired", utilityRequired)

	r.Metrics.UsedBudget.Set(usedBudget)
	r.Metrics.CurrentUtility.Set(currentUtility)

	if remainingBudget < 0 {
		remainingBudget, netNewUtility, err = r.saveMoney(ctx, remainingBudget, netNewUtility, requests)
		if err != nil {
			return err
		}
	}

	if netNewUtility <= 0 {
		netNewUtility, err = r.removeInstances(ctx, netNewUtility)
		if err != nil {
			return err
		}
	}

	if netNewUtility > 0 {
		if netNewUtility > r.Config.MaxNewUtility {
			netNewUtility = r.Config.MaxNewUtility
		}
		netNewUtility, remainingBudget, err = r.addInstances(ctx, netNewUtility, remainingBudget)
		if err != nil {
			return err
		}
	}

	if netNewUtility > 0 {
		r.Log.Info("ALERT: can not fund required utility",
			"unfundedUtility", netNewUtility,
			"remainingBudget", remainingBudget)
		r.Metrics.UnfundedUtility.Set(netNewUtility)
	} else {
		r.Metrics.UnfundedUtility.Set(0)
	}
	r.Metrics.RemainingBudget.Set(remainingBudget)

	r.Log.Info("All spot requests have been placed")
	return nil
}

// saveMoney restores a non-negative budget: mark every managed request
// for cancellation, then shed running instances in inventory order,
// crediting each instance's reference price, until the budget recovers.
func (r *SpotReconciler) saveMoney(
	ctx context.Context,
	remainingBudget, netNewUtility float64,
	requests []aws.SpotRequest,
) (float64, float64, error) {
	cancelIDs := make([]string, 0, len(requests))
	for _, req := range requests {
		cancelIDs = append(cancelIDs, req.ID)
	}

	instances, err := r.Inventory.ManagedInstances(ctx, r.Pricing.Lookup)
	if err != nil {
		return remainingBudget, netNewUtility, err
	}

	var shed []fleet.ManagedInstance
	for _, inst := range instances {
		if remainingBudget >= 0 {
			break
		}
		credit := inst.Markup.Price80
		if credit == 0 && inst.Markup.CurrentPrice != nil {
			credit = *inst.Markup.CurrentPrice
		}
		remainingBudget += credit
		netNewUtility += inst.Markup.Type.Utility
		shed = append(shed, inst)
	}

	r.Log.Info("Over budget, shedding capacity",
		"cancelRequests", len(cancelIDs),
		"terminateInstances", len(shed))
	r.shutdown(ctx, shed, cancelIDs, metrics.ReasonBudget)
	return remainingBudget, netNewUtility, nil
}

// removeInstances sheds surplus utility. It looks for the smallest
// acceptable overshoot that lets a walk of the inventory cover the
// surplus, then terminates that set. Returns the new net-new utility:
// zero or positive when the shed overshot, unchanged when no covering
// set exists.
func (r *SpotReconciler) removeInstances(ctx context.Context, netNewUtility float64) (float64, error) {
	instances, err := r.Inventory.ManagedInstances(ctx, r.Pricing.Lookup)
	if err != nil {
		return netNewUtility, err
	}

	var shed []fleet.ManagedInstance
	var remaining float64
	covered := false
	for acceptableError := 0.0; acceptableError < 8; acceptableError++ {
		shed = shed[:0]
		remaining = -netNewUtility
		for _, inst := range instances {
			utility := inst.Markup.Type.Utility
			if utility <= remaining+acceptableError {
				shed = append(shed, inst)
				remaining -= utility
			}
		}
		if remaining <= 0 {
			covered = true
			break
		}
	}

	if !covered || len(shed) == 0 {
		return netNewUtility, nil
	}

	r.Log.Info("Removing surplus instances",
		"surplusUtility", -netNewUtility,
		"terminateInstances", len(shed))
	r.shutdown(ctx, shed, nil, metrics.ReasonSurplus)
	return -remaining, nil
}

// shutdown tears down, terminates, and cancels in that order. Errors are
// logged per resource and never abort the batch.
func (r *SpotReconciler) shutdown(
	ctx context.Context,
	instances []fleet.ManagedInstance,
	cancelIDs []string,
	reason string,
) {
	instanceIDs := make([]string, 0, len(instances))
	for _, inst := range instances {
		if err := r.Manager.Teardown(ctx, inst.Instance); err != nil {
			r.Log.Error(err, "Teardown failed, terminating anyway",
				"instanceID", inst.InstanceID)
		}
		instanceIDs = append(instanceIDs, inst.InstanceID)
		if inst.SpotInstanceRequestID != "" {
			cancelIDs = append(cancelIDs, inst.SpotInstanceRequestID)
		}
	}

	if len(instanceIDs) > 0 {
		if err := r.Client.TerminateInstances(ctx, instanceIDs); err != nil {
			r.Log.Error(err, "Failed to terminate instances", "instanceIDs", instanceIDs)
		} else {
			r.Metrics.InstancesTerminated.WithLabelValues(reason).Add(float64(len(instanceIDs)))
		}
	}
	if len(cancelIDs) > 0 {
		if err := r.Client.CancelSpotRequests(ctx, cancelIDs); err != nil {
			r.Log.Error(err, "Failed to cancel spot requests", "requestIDs", cancelIDs)
		} else {
			r.Metrics.SpotRequestsCanceled.Add(float64(len(cancelIDs)))
		}
	}
}
