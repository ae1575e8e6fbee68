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

// Package metrics defines the Prometheus metrics exposed by the
// controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Termination reasons used as label values on InstancesTerminated.
const (
	ReasonBudget       = "budget"
	ReasonSurplus      = "surplus"
	ReasonSetupTimeout = "setup_timeout"
)

// Metrics holds all controller metrics. Create with NewMetrics.
type Metrics struct {
	// SpotRequestsSubmitted counts submitted spot requests by instance
	// type and availability zone.
	SpotRequestsSubmitted *prometheus.CounterVec

	// SpotRequestsCanceled counts canceled spot requests.
	SpotRequestsCanceled prometheus.Counter

	// InstancesTerminated counts terminated instances by reason.
	InstancesTerminated *prometheus.CounterVec

	// RemainingBudget is the budget left after charging active requests,
	// as of the last reconciliation.
	RemainingBudget prometheus.Gauge

	// UsedBudget is the sum of effective bid prices over active requests.
	UsedBudget prometheus.Gauge

	// CurrentUtility is the utility delivered by active requests.
	CurrentUtility prometheus.Gauge

	// UnfundedUtility is the utility shortfall the budget could not
	// cover in the last reconciliation.
	UnfundedUtility prometheus.Gauge

	// SetupSuccess and SetupFailure count instance setup outcomes.
	SetupSuccess prometheus.Counter
	SetupFailure prometheus.Counter

	// WatcherPasses counts life-cycle watcher iterations.
	WatcherPasses prometheus.Counter

	// PendingRequests is the number of spot requests still pending as of
	// the last watcher pass.
	PendingRequests prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SpotRequestsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spotherd_spot_requests_submitted_total",
			Help: "Spot requests submitted, by instance type and availability zone.",
		}, []string{"instance_type", "availability_zone"}),

		SpotRequestsCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "spotherd_spot_requests_canceled_total",
			Help: "Spot requests canceled by the controller.",
		}),

		InstancesTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spotherd_instances_terminated_total",
			Help: "Instances terminated by the controller, by reason.",
		}, []string{"reason"}),

		RemainingBudget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotherd_remaining_budget_dollars",
			Help: "Hourly budget remaining after charging active spot requests.",
		}),

		UsedBudget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotherd_used_budget_dollars",
			Help: "Sum of effective bid prices over active spot requests.",
		}),

		CurrentUtility: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotherd_current_utility",
			Help: "Utility delivered by active spot requests.",
		}),

		UnfundedUtility: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotherd_unfunded_utility",
			Help: "Utility shortfall the budget could not cover.",
		}),

		SetupSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "spotherd_setup_success_total",
			Help: "Instance setups that completed.",
		}),

		SetupFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "spotherd_setup_failure_total",
			Help: "Instance setup attempts that failed.",
		}),

		WatcherPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "spotherd_watcher_passes_total",
			Help: "Life-cycle watcher iterations.",
		}),

		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spotherd_pending_spot_requests",
			Help: "Spot requests still pending as of the last watcher pass.",
		}),
	}
}
