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

package manager

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/pkg/aws"
	"github.com/spotherd/spotherd/pkg/config"
)

func TestNewStaticManager(t *testing.T) {
	cfg := &config.Config{
		Instance: config.ManagerConfig{
			Manager:         "static",
			RequiredUtility: 4,
			SetupRequired:   true,
		},
	}

	mgr, err := New(cfg, logr.Discard())
	require.NoError(t, err)

	assert.Equal(t, 4.0, mgr.RequiredUtility())
	assert.True(t, mgr.SetupRequired())
	assert.NoError(t, mgr.Setup(context.Background(), aws.Instance{InstanceID: "i-1"}, 1))
	assert.NoError(t, mgr.Teardown(context.Background(), aws.Instance{InstanceID: "i-1"}))
}

func TestNewUnknownManager(t *testing.T) {
	cfg := &config.Config{
		Instance: config.ManagerConfig{Manager: "teleport"},
	}

	_, err := New(cfg, logr.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
	assert.Contains(t, err.Error(), "static")
}

func TestRegisterCustomManager(t *testing.T) {
	called := false
	Register("custom-test", func(cfg *config.Config, log logr.Logger) (InstanceManager, error) {
		called = true
		return &staticManager{requiredUtility: 1}, nil
	})

	cfg := &config.Config{
		Instance: config.ManagerConfig{Manager: "custom-test"},
	}
	mgr, err := New(cfg, logr.Discard())
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 1.0, mgr.RequiredUtility())
}
