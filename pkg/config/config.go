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

// Package config provides configuration management for the spotherd
// controller.
//
// The controller requires configuration for:
//   - AWS credentials and region
//   - The hourly budget and bidding parameters
//   - The utility table mapping instance types to their worth
//   - The launch-specification template for new spot requests
//
// Configuration is loaded from a YAML file; any key can be overridden
// through the environment with the SPOTHERD_ prefix. Unknown keys are a
// startup error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spotherd/spotherd/pkg/aws"
)

// Defaults applied by Load when the file leaves a key unset.
const (
	// DefaultBidPercentile is the percentile of hourly maxima used as the
	// reference price when the file does not set bid_percentile.
	DefaultBidPercentile = 80

	// DefaultRunInterval is the expected cadence between reconciliations.
	DefaultRunInterval = 10 * time.Minute

	// DefaultLogLevel is the default debug.level.
	DefaultLogLevel = "info"
)

// Config represents the complete controller configuration.
type Config struct {
	// AWS holds the cloud credentials and region.
	AWS AWSConfig `mapstructure:"aws"`

	// AvailabilityZone, when set, restricts price-history fetches to a
	// single zone. Empty means all zones in the region.
	AvailabilityZone string `mapstructure:"availability_zone"`

	// Budget is the hourly dollar cap on the sum of active bid prices.
	Budget float64 `mapstructure:"budget"`

	// MaxNewUtility caps how much utility may be added in one
	// reconciliation cycle.
	MaxNewUtility float64 `mapstructure:"max_new_utility"`

	// MaxUtilityPrice is the dollar-per-utility ceiling. A candidate
	// whose reference price exceeds max_utility_price * utility is never
	// bid on.
	MaxUtilityPrice float64 `mapstructure:"max_utility_price"`

	// BidPercentile is the percentile (0-100) of hourly price maxima
	// used as the reference price for each candidate.
	BidPercentile float64 `mapstructure:"bid_percentile"`

	// PriceFile is the path of the persisted price store.
	PriceFile string `mapstructure:"price_file"`

	// RunInterval is the expected cadence between reconciliations. It
	// bounds the registry GC window.
	RunInterval time.Duration `mapstructure:"run_interval"`

	// Utility lists the instance types the fleet may bid on, with their
	// utility and optional per-hour discount.
	Utility []InstanceTypeSpec `mapstructure:"utility"`

	// EC2 holds the naming prefix and launch-specification template.
	EC2 EC2Config `mapstructure:"ec2"`

	// Instance selects and configures the instance manager.
	Instance ManagerConfig `mapstructure:"instance"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Debug holds the logging configuration.
	Debug DebugConfig `mapstructure:"debug"`
}

// AWSConfig holds cloud credentials and region.
type AWSConfig struct {
	// Region is the AWS region for all API calls.
	Region string `mapstructure:"region"`

	// AWSAccessKeyID and AWSSecretAccessKey are static credentials.
	// When empty, the default credential chain is used.
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
}

// InstanceTypeSpec is one row of the utility table.
type InstanceTypeSpec struct {
	// InstanceType is the EC2 instance type (e.g. "m3.large").
	InstanceType string `mapstructure:"instance_type"`

	// Utility is the worth of one instance of this type, in the same
	// units as required_utility.
	Utility float64 `mapstructure:"utility"`

	// Discount is subtracted from the bid price when charging the
	// budget, for types with reserved-capacity pricing.
	Discount float64 `mapstructure:"discount"`
}

// EC2Config holds the managed-resource naming prefix and the launch
// template for new spot requests.
type EC2Config struct {
	Instance EC2InstanceConfig `mapstructure:"instance"`
	Request  RequestConfig     `mapstructure:"request"`
}

// EC2InstanceConfig names the fleet.
type EC2InstanceConfig struct {
	// Name is the prefix used to tag and identify managed resources.
	// A resource whose Name tag is absent or starts with this prefix is
	// considered managed.
	Name string `mapstructure:"name"`
}

// RequestConfig is the base launch-specification template. Its fields
// sit directly under ec2.request; the adapter fills in instance type,
// zone-filtered interfaces, and ephemeral devices per request.
type RequestConfig struct {
	// Expiration, when set, bounds how long an unfulfilled request stays
	// open (valid_until = now + expiration).
	Expiration time.Duration `mapstructure:"expiration"`

	ImageID            string                   `mapstructure:"image_id"`
	KeyName            string                   `mapstructure:"key_name"`
	InstanceProfileARN string                   `mapstructure:"instance_profile_arn"`
	UserData           string                   `mapstructure:"user_data"`
	EBSOptimized       bool                     `mapstructure:"ebs_optimized"`
	NetworkInterfaces  []NetworkInterfaceConfig `mapstructure:"network_interfaces"`
}

// NetworkInterfaceConfig is one network interface in the launch template.
type NetworkInterfaceConfig struct {
	SubnetID                 string   `mapstructure:"subnet_id"`
	DeviceIndex              int32    `mapstructure:"device_index"`
	Groups                   []string `mapstructure:"groups"`
	AssociatePublicIPAddress bool     `mapstructure:"associate_public_ip_address"`
}

// ManagerConfig selects the instance manager implementation by name and
// carries its settings.
type ManagerConfig struct {
	// Manager is the factory name ("static" is built in).
	Manager string `mapstructure:"manager"`

	// RequiredUtility is the target utility for the static manager.
	RequiredUtility float64 `mapstructure:"required_utility"`

	// SetupRequired enables the life-cycle watcher for the static
	// manager.
	SetupRequired bool `mapstructure:"setup_required"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// BindAddress is the address the metrics endpoint binds to. Empty
	// disables the endpoint.
	BindAddress string `mapstructure:"bind_address"`
}

// DebugConfig holds the logging configuration.
type DebugConfig struct {
	// Level controls verbosity: debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// Load reads the YAML file at path, applies SPOTHERD_ environment
// overrides and defaults, and validates the result. Unknown keys in the
// file are an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("SPOTHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bid_percentile", DefaultBidPercentile)
	v.SetDefault("run_interval", DefaultRunInterval)
	v.SetDefault("debug.level", DefaultLogLevel)
	v.SetDefault("instance.manager", "static")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws.region is required")
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget must be >= 0, got %v", c.Budget)
	}
	if c.MaxUtilityPrice <= 0 {
		return fmt.Errorf("max_utility_price must be > 0, got %v", c.MaxUtilityPrice)
	}
	if c.BidPercentile < 0 || c.BidPercentile > 100 {
		return fmt.Errorf("bid_percentile must be in [0, 100], got %v", c.BidPercentile)
	}
	if c.PriceFile == "" {
		return fmt.Errorf("price_file is required")
	}
	if c.RunInterval <= 0 {
		return fmt.Errorf("run_interval must be > 0, got %v", c.RunInterval)
	}
	if len(c.Utility) == 0 {
		return fmt.Errorf("utility table must not be empty")
	}
	seen := map[string]bool{}
	for i, u := range c.Utility {
		if u.InstanceType == "" {
			return fmt.Errorf("utility[%d]: instance_type is required", i)
		}
		if u.Utility <= 0 {
			return fmt.Errorf("utility[%d] (%s): utility must be > 0, got %v",
				i, u.InstanceType, u.Utility)
		}
		if seen[u.InstanceType] {
			return fmt.Errorf("utility table lists %s twice", u.InstanceType)
		}
		seen[u.InstanceType] = true
	}
	if c.EC2.Instance.Name == "" {
		return fmt.Errorf("ec2.instance.name is required")
	}
	switch c.Debug.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("debug.level must be one of debug, info, warn, error, got %q",
			c.Debug.Level)
	}
	return nil
}

// UtilityByType returns the first utility row matching the instance type.
func (c *Config) UtilityByType(instanceType string) (InstanceTypeSpec, bool) {
	for _, u := range c.Utility {
		if u.InstanceType == instanceType {
			return u, true
		}
	}
	return InstanceTypeSpec{}, false
}

// LaunchSpec converts the request template to the adapter's launch
// specification.
func (r RequestConfig) LaunchSpec() aws.LaunchSpec {
	spec := aws.LaunchSpec{
		ImageID:            r.ImageID,
		KeyName:            r.KeyName,
		InstanceProfileARN: r.InstanceProfileARN,
		UserData:           r.UserData,
		EBSOptimized:       r.EBSOptimized,
		Expiration:         r.Expiration,
	}
	for _, ni := range r.NetworkInterfaces {
		spec.NetworkInterfaces = append(spec.NetworkInterfaces, aws.NetworkInterfaceSpec{
			SubnetID:                 ni.SubnetID,
			DeviceIndex:              ni.DeviceIndex,
			Groups:                   ni.Groups,
			AssociatePublicIPAddress: ni.AssociatePublicIPAddress,
		})
	}
	return spec
}
