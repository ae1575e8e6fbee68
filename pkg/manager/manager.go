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

// Package manager defines the InstanceManager interface through which
// the controller learns how much utility the workload needs and hands
// newly running instances over to the workload.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
)

// InstanceManager is the workload-side contract. The reconciler asks it
// for the target utility; the life-cycle watcher calls Setup on each
// newly running instance and Teardown before a managed instance is
// terminated.
type InstanceManager interface {
	// SetupRequired reports whether new instances need Setup before they
	// can serve. When false, the life-cycle watcher is not started.
	SetupRequired() bool

	// RequiredUtility returns the utility the workload currently needs.
	RequiredUtility() float64

	// Setup prepares a newly running instance to serve the given
	// utility. It may fail; failures are retried until the setup
	// deadline expires.
	Setup(ctx context.Context, instance aws.Instance, utility float64) error

	// Teardown drains an instance before termination. Errors are logged
	// but never block the termination.
	Teardown(ctx context.Context, instance aws.Instance) error
}

// Factory builds an InstanceManager from the configuration.
type Factory func(cfg *config.Config, log logr.Logger) (InstanceManager, error)

var (
	factoriesMu sync.Mutex
	factories   = map[string]Factory{}
)

// Register makes a factory available under the given name. Intended to
// be called from init in packages providing manager implementations.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New constructs the manager named by cfg.Instance.Manager.
func New(cfg *config.Config, log logr.Logger) (InstanceManager, error) {
	factoriesMu.Lock()
	f, ok := factories[cfg.Instance.Manager]
	factoriesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown instance manager %q (registered: %v)",
			cfg.Instance.Manager, registeredNames())
	}
	return f(cfg, log)
}

func registeredNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("static", newStatic)
}

// staticManager is the built-in manager: a fixed utility target from the
// configuration and no per-instance setup work.
type staticManager struct {
	requiredUtility float64
	setupRequired   bool
	log             logr.Logger
}

func newStatic(cfg *config.Config, log logr.Logger) (InstanceManager, error) {
	return &staticManager{
		requiredUtility: cfg.Instance.RequiredUtility,
		setupRequired:   cfg.Instance.SetupRequired,
		log:             log.WithName("static-manager"),
	}, nil
}

func (m *staticManager) SetupRequired() bool {
	return m.setupRequired
}

func (m *staticManager) RequiredUtility() float64 {
	return m.requiredUtility
}

func (m *staticManager) Setup(_ context.Context, instance aws.Instance, utility float64) error {
	m.log.Info("instance ready",
		"instanceID", instance.InstanceID,
		"privateIP", instance.PrivateIPAddress,
		"utility", utility)
	return nil
}

func (m *staticManager) Teardown(_ context.Context, instance aws.Instance) error {
	m.log.Info("releasing instance", "instanceID", instance.InstanceID)
	return nil
}
