// Package predictive provides the predictors that map a metrics snapshot to
// a congestion control algorithm.
package predictive

import (
	"math"

	"github.com/markus-lassfolk/ccaswitch/pkg"
)

// FeatureNames lists the model inputs in vector order
var FeatureNames = []string{
	"rtt_ms",
	"throughput_mbps",
	"loss_percent",
	"retransmits",
	"bandwidth_delay",
	"rtt_delta",
	"throughput_delta",
	"interactive_profile",
}

// NumFeatures is the length of a feature vector
var NumFeatures = len(FeatureNames)

// interactiveThroughputMbps marks flows below this rate as interactive
const interactiveThroughputMbps = 100

// Features builds the model input for snap. prev is the previous snapshot
// of the same path and may be nil, in which case the stability features
// are zero.
func Features(snap, prev *pkg.MetricsSnapshot) []float64 {
	rtt, tput := snap.RTT(), snap.Throughput()

	var drtt, dtput float64
	if prev != nil {
		drtt = math.Abs(rtt - prev.RTT())
		dtput = math.Abs(tput - prev.Throughput())
	}

	interactive := 0.0
	if tput < interactiveThroughputMbps {
		interactive = 1
	}

	return []float64{
		rtt,
		tput,
		snap.Loss(),
		float64(snap.Retransmits),
		tput * rtt,
		drtt,
		dtput,
		interactive,
	}
}
