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
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
)

// RealClient is the production implementation of Client backed by the
// AWS SDK v2 EC2 client.
type RealClient struct {
	ec2    *ec2.Client
	config ClientConfig
	log    logr.Logger

	// subnetZones caches subnet ID -> availability zone lookups so the
	// zone filter on network interfaces does not re-query per request.
	mu          sync.Mutex
	subnetZones map[string]string
}

// NewRealClient creates a RealClient. Static credentials from the config
// take precedence; otherwise the SDK default credential chain is used
// (environment, shared credentials file, instance profile).
func NewRealClient(ctx context.Context, cfg ClientConfig, log logr.Logger) (*RealClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	if cfg.Devices == nil {
		cfg.Devices = DefaultDeviceTable()
	}

	return &RealClient{
		ec2:         ec2.NewFromConfig(awsCfg),
		config:      cfg,
		log:         log,
		subnetZones: make(map[string]string),
	}, nil
}

// SpotPriceHistory fetches spot-price samples for one instance type,
// following pagination until the result set is exhausted.
func (c *RealClient) SpotPriceHistory(
	ctx context.Context,
	productDescription string,
	instanceType string,
	availabilityZone string,
	startTime time.Time,
) ([]PriceSample, error) {
	input := &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		ProductDescriptions: []string{productDescription},
		StartTime:           aws.Time(startTime),
	}
	if availabilityZone != "" {
		input.AvailabilityZone = aws.String(availabilityZone)
	}

	var samples []PriceSample
	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(c.ec2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe spot price history for %s: %w", instanceType, err)
		}
		for _, sp := range page.SpotPriceHistory {
			if sp.SpotPrice == nil || sp.Timestamp == nil {
				continue
			}
			price, err := strconv.ParseFloat(*sp.SpotPrice, 64)
			if err != nil {
				c.log.V(1).Info("skipping unparsable spot price",
					"instance_type", instanceType,
					"spot_price", *sp.SpotPrice)
				continue
			}
			samples = append(samples, PriceSample{
				AvailabilityZone:   aws.ToString(sp.AvailabilityZone),
				InstanceType:       string(sp.InstanceType),
				Price:              price,
				ProductDescription: string(sp.ProductDescription),
				Region:             c.config.Region,
				Timestamp:          sp.Timestamp.UTC(),
			})
		}
	}
	return samples, nil
}

// RequestSpotInstances submits one spot request at the given bid price and
// tags each returned request with the fleet name.
func (c *RealClient) RequestSpotInstances(
	ctx context.Context,
	price float64,
	availabilityZoneGroup string,
	instanceType string,
	spec LaunchSpec,
) ([]SpotRequest, error) {
	launchSpec, err := c.buildLaunchSpecification(ctx, instanceType, availabilityZoneGroup, spec)
	if err != nil {
		return nil, err
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:             aws.String(strconv.FormatFloat(price, 'f', -1, 64)),
		AvailabilityZoneGroup: aws.String(availabilityZoneGroup),
		LaunchSpecification:   launchSpec,
	}
	if spec.Expiration > 0 {
		input.ValidUntil = aws.Time(time.Now().Add(spec.Expiration))
	}

	resp, err := c.ec2.RequestSpotInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to request spot instances for %s in %s: %w",
			instanceType, availabilityZoneGroup, err)
	}

	requests := make([]SpotRequest, 0, len(resp.SpotInstanceRequests))
	for _, r := range resp.SpotInstanceRequests {
		req := convertSpotRequest(r)
		if err := c.CreateTag(ctx, req.ID, TagName, c.config.FleetName); err != nil {
			c.log.Error(err, "failed to tag spot request", "request_id", req.ID)
		} else {
			if req.Tags == nil {
				req.Tags = map[string]string{}
			}
			req.Tags[TagName] = c.config.FleetName
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// buildLaunchSpecification assembles the concrete launch specification for
// one request: the template's network interfaces filtered to the requested
// zone group, plus one ephemeral block-device mapping per instance-store
// volume the type carries.
func (c *RealClient) buildLaunchSpecification(
	ctx context.Context,
	instanceType string,
	availabilityZoneGroup string,
	spec LaunchSpec,
) (*types.RequestSpotLaunchSpecification, error) {
	out := &types.RequestSpotLaunchSpecification{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(instanceType),
	}
	if spec.KeyName != "" {
		out.KeyName = aws.String(spec.KeyName)
	}
	if spec.EBSOptimized {
		out.EbsOptimized = aws.Bool(true)
	}
	if spec.InstanceProfileARN != "" {
		out.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Arn: aws.String(spec.InstanceProfileARN),
		}
	}
	if spec.UserData != "" {
		out.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}

	for _, nic := range spec.NetworkInterfaces {
		zone, err := c.subnetZone(ctx, nic.SubnetID)
		if err != nil {
			c.log.Error(err, "subnet not found, skipping interface", "subnet_id", nic.SubnetID)
			continue
		}
		if zone != availabilityZoneGroup {
			continue
		}
		out.NetworkInterfaces = append(out.NetworkInterfaces, types.InstanceNetworkInterfaceSpecification{
			SubnetId:                 aws.String(nic.SubnetID),
			DeviceIndex:              aws.Int32(nic.DeviceIndex),
			Groups:                   nic.Groups,
			AssociatePublicIpAddress: aws.Bool(nic.AssociatePublicIPAddress),
		})
	}
	if len(out.NetworkInterfaces) == 0 {
		return nil, fmt.Errorf("no network interface specifications found for %s", availabilityZoneGroup)
	}

	for i := 0; i < c.config.Devices.EphemeralCount(instanceType); i++ {
		out.BlockDeviceMappings = append(out.BlockDeviceMappings, types.BlockDeviceMapping{
			DeviceName:  aws.String(fmt.Sprintf("/dev/sd%c", 'b'+i)),
			VirtualName: aws.String(fmt.Sprintf("ephemeral%d", i)),
			Ebs: &types.EbsBlockDevice{
				DeleteOnTermination: aws.Bool(true),
			},
		})
	}

	return out, nil
}

// subnetZone resolves the availability zone of a subnet, caching results.
func (c *RealClient) subnetZone(ctx context.Context, subnetID string) (string, error) {
	c.mu.Lock()
	zone, ok := c.subnetZones[subnetID]
	c.mu.Unlock()
	if ok {
		return zone, nil
	}

	resp, err := c.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		SubnetIds: []string{subnetID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe subnet %s: %w", subnetID, err)
	}
	if len(resp.Subnets) == 0 {
		return "", fmt.Errorf("subnet %s not found", subnetID)
	}

	zone = aws.ToString(resp.Subnets[0].AvailabilityZone)
	c.mu.Lock()
	c.subnetZones[subnetID] = zone
	c.mu.Unlock()
	return zone, nil
}

// CancelSpotRequests cancels the given spot requests.
func (c *RealClient) CancelSpotRequests(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	_, err := c.ec2.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: requestIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel spot requests: %w", err)
	}
	return nil
}

// DescribeSpotRequests lists all spot requests visible to the account.
func (c *RealClient) DescribeSpotRequests(ctx context.Context) ([]SpotRequest, error) {
	var requests []SpotRequest
	paginator := ec2.NewDescribeSpotInstanceRequestsPaginator(c.ec2, &ec2.DescribeSpotInstanceRequestsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe spot requests: %w", err)
		}
		for _, r := range page.SpotInstanceRequests {
			requests = append(requests, convertSpotRequest(r))
		}
	}
	return requests, nil
}

// DescribeInstances lists all instances visible to the account.
func (c *RealClient) DescribeInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				instances = append(instances, convertInstance(inst))
			}
		}
	}
	return instances, nil
}

// TerminateInstances terminates the given instances.
func (c *RealClient) TerminateInstances(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instances: %w", err)
	}
	return nil
}

// CreateTag sets one tag on a resource.
func (c *RealClient) CreateTag(ctx context.Context, resourceID, key, value string) error {
	_, err := c.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags: []types.Tag{
			{Key: aws.String(key), Value: aws.String(value)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to tag %s: %w", resourceID, err)
	}
	return nil
}

func convertSpotRequest(r types.SpotInstanceRequest) SpotRequest {
	out := SpotRequest{
		ID:         aws.ToString(r.SpotInstanceRequestId),
		InstanceID: aws.ToString(r.InstanceId),
		Tags:       convertTags(r.Tags),
	}
	if r.SpotPrice != nil {
		if price, err := strconv.ParseFloat(*r.SpotPrice, 64); err == nil {
			out.Price = price
		}
	}
	if r.Status != nil {
		out.StatusCode = aws.ToString(r.Status.Code)
	}
	if r.CreateTime != nil {
		out.CreateTime = r.CreateTime.UTC()
	}
	if r.LaunchSpecification != nil {
		out.InstanceType = string(r.LaunchSpecification.InstanceType)
	}
	return out
}

func convertInstance(inst types.Instance) Instance {
	out := Instance{
		InstanceID:            aws.ToString(inst.InstanceId),
		InstanceType:          string(inst.InstanceType),
		SpotInstanceRequestID: aws.ToString(inst.SpotInstanceRequestId),
		PrivateIPAddress:      aws.ToString(inst.PrivateIpAddress),
		Tags:                  convertTags(inst.Tags),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		out.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return out
}

func convertTags(tags []types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
