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

// Package aws provides abstractions for the EC2 spot-market surface used
// by the controller: spot price history, spot request create/cancel/list,
// instance list/terminate, tagging, and subnet lookup.
package aws

import (
	"fmt"
	"time"
)

// ProductDescriptionLinuxVPC is the product description queried for spot
// price history. The fleet only launches Linux instances inside a VPC.
const ProductDescriptionLinuxVPC = "Linux/UNIX (Amazon VPC)"

// InstanceStateRunning is the EC2 instance state for a running instance.
const InstanceStateRunning = "running"

// TagName is the tag key used to mark managed resources.
const TagName = "Name"

// Spot request status codes, partitioned into fixed sets. The codes are
// opaque strings from EC2; comparisons are exact. Unknown codes are
// neither pending nor running.
var (
	PendingStatusCodes = map[string]bool{
		"pending-evaluation":  true,
		"pending-fulfillment": true,
		"az-group-constraint": true,
		"price-too-low":       true,
	}

	RunningStatusCodes = map[string]bool{
		"fulfilled":                             true,
		"request-canceled-and-instance-running": true,
	}

	TerminatedStatusCodes = map[string]bool{
		"capacity-oversubscribed":                     true,
		"capacity-not-available":                      true,
		"instance-terminated-capacity-oversubscribed": true,
		"bad-parameters":                              true,
	}

	RetryStatusCodes = map[string]bool{
		"instance-terminated-by-price": true,
		"bad-parameters":               true,
		"canceled-before-fulfillment":  true,
		"instance-terminated-by-user":  true,
	}
)

// IsActiveStatus reports whether a spot request with the given status code
// still counts against the budget (pending or running).
func IsActiveStatus(code string) bool {
	return PendingStatusCodes[code] || RunningStatusCodes[code]
}

// PriceSample is one observed spot-price point. Samples are value-equal by
// the tuple of all fields; the price store deduplicates on Key().
type PriceSample struct {
	AvailabilityZone   string    `json:"availability_zone"`
	InstanceType       string    `json:"instance_type"`
	Price              float64   `json:"price"`
	ProductDescription string    `json:"product_description"`
	Region             string    `json:"region"`
	Timestamp          time.Time `json:"timestamp"`
}

// Key returns the dedup key for the sample: every field participates.
func (s PriceSample) Key() string {
	return fmt.Sprintf("%s|%s|%.6f|%s|%s|%d",
		s.AvailabilityZone, s.InstanceType, s.Price,
		s.ProductDescription, s.Region, s.Timestamp.UnixNano())
}

// SpotRequest is a spot instance request as returned by EC2, projected to
// the fields the controller reads.
type SpotRequest struct {
	// ID is the spot instance request ID (e.g. "sir-abc123")
	ID string

	// Price is the bid price in USD per hour
	Price float64

	// InstanceType is the launch specification's instance type
	InstanceType string

	// StatusCode is the opaque status code (see the status sets above)
	StatusCode string

	// InstanceID is the fulfilled instance ID, empty until fulfilled
	InstanceID string

	// CreateTime is when the request was created
	CreateTime time.Time

	// Tags are the request's tags
	Tags map[string]string
}

// Instance is an EC2 instance projected to the fields the controller reads.
type Instance struct {
	// InstanceID is the EC2 instance ID (e.g. "i-abc123")
	InstanceID string

	// InstanceType is the instance type (e.g. "m3.large")
	InstanceType string

	// AvailabilityZone is the AZ where the instance is placed
	AvailabilityZone string

	// State is the instance state (e.g. "running")
	State string

	// SpotInstanceRequestID links the instance back to its spot request
	SpotInstanceRequestID string

	// PrivateIPAddress is the instance's private IP, used by setup
	PrivateIPAddress string

	// Tags are the instance tags
	Tags map[string]string
}

// NetworkInterfaceSpec describes one network interface in the launch
// specification template. Only interfaces whose subnet lies in the
// requested zone group are attached to a spot request.
type NetworkInterfaceSpec struct {
	SubnetID                 string
	DeviceIndex              int32
	Groups                   []string
	AssociatePublicIPAddress bool
}

// LaunchSpec is the launch specification template for new spot requests.
// The adapter fills in instance type, zone-filtered network interfaces,
// and ephemeral block-device mappings at request time.
type LaunchSpec struct {
	ImageID            string
	KeyName            string
	InstanceProfileARN string
	UserData           string
	EBSOptimized       bool
	NetworkInterfaces  []NetworkInterfaceSpec

	// Expiration, when non-zero, sets valid_until = now + Expiration on
	// the spot request.
	Expiration time.Duration
}
