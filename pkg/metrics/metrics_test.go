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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.SpotRequestsSubmitted.WithLabelValues("m3.large", "us-west-2c").Add(2)
	m.InstancesTerminated.WithLabelValues(ReasonSetupTimeout).Inc()
	m.RemainingBudget.Set(0.42)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.SpotRequestsSubmitted.WithLabelValues("m3.large", "us-west-2c")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.InstancesTerminated.WithLabelValues(ReasonSetupTimeout)))
	assert.Equal(t, 0.42, testutil.ToFloat64(m.RemainingBudget))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetricsDuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)
	assert.Panics(t, func() { NewMetrics(registry) })
}
