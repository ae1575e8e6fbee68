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
	"time"

	"github.com/go-logr/logr"

	"github.com/spotherd/spotherd/internal/fleet"
	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
	"github.com/spotherd/spotherd/pkg/manager"
	"github.com/spotherd/spotherd/pkg/metrics"
)

const (
	// setupDeadline bounds how long an instance may keep failing setup
	// before it is terminated. The clock starts at the first failure.
	setupDeadline = 5 * time.Minute

	// watchInterval is the sleep between watcher passes.
	watchInterval = 10 * time.Second

	// snapshotMaxAge forces a re-list of spot requests when the pass's
	// setup work took longer than this.
	snapshotMaxAge = 5 * time.Second

	// registryGrace pads the registry GC window beyond the run interval,
	// covering requests still propagating through cloud listings.
	registryGrace = 2 * time.Minute
)

// LifecycleWatcher runs instance setup in the background: it pairs
// fulfilled spot requests with their untagged running instances, calls
// the instance manager's Setup on each, tags successes, and terminates
// instances that keep failing past their deadline. It exits once the
// reconciler has signalled Done and nothing is pending.
type LifecycleWatcher struct {
	Client    aws.Client
	Config    *config.Config
	Inventory *fleet.Inventory
	Registry  *fleet.Registry
	Manager   manager.InstanceManager
	Metrics   *metrics.Metrics
	Log       logr.Logger

	// Done is the reconciler's one-shot completion signal.
	Done <-chan struct{}

	// clock and interval are replaceable for tests.
	clock    func() time.Time
	interval time.Duration

	// deadlines maps instance ID to its setup deadline. Set on first
	// failure, cleared on success or termination. Persists across
	// passes.
	deadlines map[string]time.Time
}

// NewLifecycleWatcher wires a watcher over the given collaborators.
func NewLifecycleWatcher(
	client aws.Client,
	cfg *config.Config,
	inv *fleet.Inventory,
	reg *fleet.Registry,
	mgr manager.InstanceManager,
	m *metrics.Metrics,
	done <-chan struct{},
	log logr.Logger,
) *LifecycleWatcher {
	return &LifecycleWatcher{
		Client:    client,
		Config:    cfg,
		Inventory: inv,
		Registry:  reg,
		Manager:   mgr,
		Metrics:   m,
		Done:      done,
		Log:       log.WithName("lifecycle-watcher"),
		clock:     time.Now,
		interval:  watchInterval,
		deadlines: make(map[string]time.Time),
	}
}

// Run loops until everything pending has been set up or terminated, or
// the context is canceled.
func (w *LifecycleWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.Metrics.WatcherPasses.Inc()
		finished, err := w.pass(ctx)
		if err != nil {
			w.Log.Error(err, "Watcher pass failed, retrying")
		} else if finished {
			w.Log.Info("No more pending spot requests")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// pass runs one watcher iteration. It reports true once there is nothing
// left to wait for.
func (w *LifecycleWatcher) pass(ctx context.Context) (bool, error) {
	requests, err := w.Inventory.ManagedSpotRequests(ctx)
	if err != nil {
		return false, err
	}
	// Pairing needs all instances: a freshly fulfilled one has no Name
	// tag yet, so the managed-instance projection would miss it.
	instances, err := w.Client.DescribeInstances(ctx)
	if err != nil {
		return false, err
	}
	lastGet := w.clock()

	instanceByID := make(map[string]aws.Instance, len(instances))
	for _, inst := range instances {
		instanceByID[inst.InstanceID] = inst
	}

	paired := make(map[string]bool)
	for _, req := range requests {
		if req.InstanceID == "" {
			continue
		}
		inst, ok := instanceByID[req.InstanceID]
		if !ok || inst.State != aws.InstanceStateRunning || inst.Tags[aws.TagName] != "" {
			continue
		}
		paired[inst.InstanceID] = true
		w.setupInstance(ctx, req, inst)
	}

	// A deadline for an instance that no longer shows up in the pairing
	// (evicted by the spot market, terminated externally) would hold the
	// watcher open forever.
	for id := range w.deadlines {
		if !paired[id] {
			w.Log.Info("Instance with pending setup disappeared, dropping deadline",
				"instanceID", id)
			delete(w.deadlines, id)
		}
	}

	if w.clock().Sub(lastGet) > snapshotMaxAge {
		if requests, err = w.Inventory.ManagedSpotRequests(ctx); err != nil {
			return false, err
		}
	}

	pending := make(map[string]bool)
	for _, req := range requests {
		if aws.PendingStatusCodes[req.StatusCode] {
			pending[req.ID] = true
		}
	}

	doneSignalled := false
	select {
	case <-w.Done:
		doneSignalled = true
	default:
	}

	if doneSignalled {
		cutoff := w.clock().Add(-(w.Config.RunInterval + registryGrace))
		if dropped := w.Registry.ExpireOlderThan(cutoff); dropped > 0 {
			w.Log.V(1).Info("Expired stale registry entries", "dropped", dropped)
		}
		for _, req := range w.Registry.Snapshot() {
			pending[req.ID] = true
		}
	}

	w.Metrics.PendingRequests.Set(float64(len(pending)))

	if len(pending) == 0 && len(w.deadlines) == 0 && doneSignalled {
		return true, nil
	}
	if len(pending) > 0 {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		w.Log.V(1).Info("Waiting for spot requests", "requestIDs", ids)
	}
	return false, nil
}

// setupInstance runs one setup attempt and handles the outcome: tag and
// forget on success, start or enforce the deadline on failure.
func (w *LifecycleWatcher) setupInstance(ctx context.Context, req aws.SpotRequest, inst aws.Instance) {
	spec, ok := w.Config.UtilityByType(inst.InstanceType)
	if !ok {
		w.Log.Info("Running instance has no configured instance type, skipping setup",
			"instanceID", inst.InstanceID, "instanceType", inst.InstanceType)
		return
	}

	if err := w.Manager.Setup(ctx, inst, spec.Utility); err != nil {
		w.Metrics.SetupFailure.Inc()
		deadline, started := w.deadlines[inst.InstanceID]
		if !started {
			w.deadlines[inst.InstanceID] = w.clock().Add(setupDeadline)
			w.Log.Info("Setup failed, will retry",
				"instanceID", inst.InstanceID, "error", err.Error())
			return
		}
		if w.clock().After(deadline) {
			w.Log.Info("Setup deadline exceeded, instance TERMINATED",
				"instanceID", inst.InstanceID, "error", err.Error())
			if terr := w.Client.TerminateInstances(ctx, []string{inst.InstanceID}); terr != nil {
				w.Log.Error(terr, "Failed to terminate instance", "instanceID", inst.InstanceID)
				return
			}
			w.Metrics.InstancesTerminated.WithLabelValues(metrics.ReasonSetupTimeout).Inc()
			w.Registry.Remove(req.ID)
			delete(w.deadlines, inst.InstanceID)
			return
		}
		w.Log.Info("Setup failed, retrying until deadline",
			"instanceID", inst.InstanceID, "deadline", deadline, "error", err.Error())
		return
	}

	w.Metrics.SetupSuccess.Inc()
	name := w.Config.EC2.Instance.Name + " (running)"
	if err := w.Client.CreateTag(ctx, inst.InstanceID, aws.TagName, name); err != nil {
		// Leave the request in play; an untagged instance is retried
		// next pass and Setup must tolerate that.
		w.Log.Error(err, "Failed to tag instance after setup", "instanceID", inst.InstanceID)
		return
	}
	delete(w.deadlines, inst.InstanceID)
	w.Registry.Remove(req.ID)
	w.Log.Info("Instance set up and serving",
		"instanceID", inst.InstanceID, "instanceType", inst.InstanceType)
}
