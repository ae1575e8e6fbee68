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
	"math"
)

// addInstances bids for netNewUtility more utility within
// remainingBudget, walking candidates best estimated value first. Per
// candidate it ladders bids between the reference price and the bid
// ceiling. Submission failures are isolated per candidate. Returns the
// residual utility and budget.
func (r *SpotReconciler) addInstances(
	ctx context.Context,
	netNewUtility, remainingBudget float64,
) (float64, float64, error) {
	candidates, err := r.Pricing.Candidates(ctx)
	if err != nil {
		return netNewUtility, remainingBudget, err
	}

	launchSpec := r.Config.EC2.Request.LaunchSpec()

	for _, p := range candidates {
		if netNewUtility <= 0 {
			break
		}

		if p.CurrentPrice == nil {
			r.Log.Info("Candidate has no current price, skipping",
				"availabilityZone", p.AvailabilityZone,
				"instanceType", p.Type.InstanceType)
			continue
		}
		currentPrice := *p.CurrentPrice

		// The ceiling is the next-higher observed hourly price, never
		// above what the utility is worth to us.
		maxBid := p.Type.Utility * r.Config.MaxUtilityPrice
		if p.HigherPrice != nil && *p.HigherPrice < maxBid {
			maxBid = *p.HigherPrice
		}
		minBid := p.Price80
		if minBid > maxBid {
			r.Log.V(1).Info("Candidate reference price above bid ceiling, skipping",
				"availabilityZone", p.AvailabilityZone,
				"instanceType", p.Type.InstanceType,
				"minBid", minBid, "maxBid", maxBid)
			continue
		}

		num := int(math.Round(netNewUtility / p.Type.Utility))
		if num < 1 {
			continue
		}

		var priceInterval float64
		if num == 1 {
			// A single bid can afford to sit a bit above the current
			// price for staying power.
			if raised := currentPrice * 1.10; raised > minBid {
				minBid = raised
			}
			if minBid > maxBid {
				minBid = maxBid
			}
			if worth := p.Type.Utility * r.Config.MaxUtilityPrice; minBid > worth {
				minBid = worth
			}
		} else {
			priceInterval = math.Min(minBid/10, (maxBid-minBid)/float64(num-1))
		}

		for i := 0; i < num; i++ {
			bid := minBid + float64(i)*priceInterval
			if bid < currentPrice {
				r.Log.V(1).Info("Bid below current price, skipping",
					"availabilityZone", p.AvailabilityZone,
					"instanceType", p.Type.InstanceType,
					"bid", bid, "currentPrice", currentPrice)
				continue
			}
			if bid > remainingBudget {
				r.Log.Info("Bid over budget limit, skipping",
					"availabilityZone", p.AvailabilityZone,
					"instanceType", p.Type.InstanceType,
					"bid", bid, "remainingBudget", remainingBudget)
				continue
			}

			newRequests, err := r.Client.RequestSpotInstances(ctx,
				bid, p.AvailabilityZone, p.Type.InstanceType, launchSpec)
			if err != nil {
				r.Log.Error(err, "Spot request submission failed",
					"availabilityZone", p.AvailabilityZone,
					"instanceType", p.Type.InstanceType,
					"bid", bid)
				continue
			}

			r.Registry.Add(newRequests...)
			r.Metrics.SpotRequestsSubmitted.
				WithLabelValues(p.Type.InstanceType, p.AvailabilityZone).
				Add(float64(len(newRequests)))
			r.Log.Info("Submitted spot request",
				"availabilityZone", p.AvailabilityZone,
				"instanceType", p.Type.InstanceType,
				"bid", bid,
				"requests", len(newRequests))

			netNewUtility -= p.Type.Utility * float64(len(newRequests))
			remainingBudget -= bid * float64(len(newRequests))
		}
	}

	return netNewUtility, remainingBudget, nil
}
