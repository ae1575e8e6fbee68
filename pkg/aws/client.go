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

package aws

import (
	"context"
	"time"
)

// Client is the interface to the EC2 spot market. All operations are
// synchronous from the caller's perspective and may block on the network.
//
// For production use, create a RealClient with NewRealClient.
// For testing, use MockClient.
type Client interface {
	// SpotPriceHistory returns all spot-price samples for the given
	// instance type starting at startTime, following pagination to the
	// end of the result set. availabilityZone, when non-empty, restricts
	// the query to a single zone.
	SpotPriceHistory(
		ctx context.Context,
		productDescription string,
		instanceType string,
		availabilityZone string,
		startTime time.Time,
	) ([]PriceSample, error)

	// RequestSpotInstances submits one spot request at the given bid
	// price, constrained to the availability zone group. Each returned
	// request is already tagged with the fleet name.
	RequestSpotInstances(
		ctx context.Context,
		price float64,
		availabilityZoneGroup string,
		instanceType string,
		spec LaunchSpec,
	) ([]SpotRequest, error)

	// CancelSpotRequests cancels the given spot requests.
	CancelSpotRequests(ctx context.Context, requestIDs []string) error

	// DescribeSpotRequests lists all spot requests visible to the account.
	DescribeSpotRequests(ctx context.Context) ([]SpotRequest, error)

	// DescribeInstances lists all instances visible to the account.
	DescribeInstances(ctx context.Context) ([]Instance, error)

	// TerminateInstances terminates the given instances.
	TerminateInstances(ctx context.Context, instanceIDs []string) error

	// CreateTag sets one tag on a resource (request or instance).
	CreateTag(ctx context.Context, resourceID, key, value string) error
}

// ClientConfig configures a RealClient.
type ClientConfig struct {
	// Region is the AWS region for all API calls.
	Region string

	// AccessKeyID and SecretAccessKey are static credentials. When empty,
	// the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// FleetName is the Name tag value applied to every submitted spot
	// request, identifying it as managed by this fleet.
	FleetName string

	// Devices maps instance types to their ephemeral volume counts for
	// block-device-mapping assembly.
	Devices DeviceTable
}
