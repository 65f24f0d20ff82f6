package collector

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

var (
	pingTimeRe = regexp.MustCompile(`time[=<]([0-9.]+) ?ms`)
	pingLossRe = regexp.MustCompile(`([0-9.]+)% packet loss`)
	pingAvgRe  = regexp.MustCompile(`= [0-9.]+/([0-9.]+)/[0-9.]+`)
)

// PingResult holds what a ping run measured
type PingResult struct {
	SamplesMS   []float64
	AvgMS       float64
	LossPercent float64
}

// Bufferbloat returns the 95th percentile RTT minus the minimum RTT. It
// needs at least two samples.
func (p *PingResult) Bufferbloat() (float64, bool) {
	if len(p.SamplesMS) < 2 {
		return 0, false
	}
	sorted := append([]float64(nil), p.SamplesMS...)
	sort.Float64s(sorted)
	p95 := stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return p95 - sorted[0], true
}

// ParsePing parses iputils or busybox ping output. A run without a single
// reply is an error since no RTT can be reported.
func ParsePing(out string) (*PingResult, error) {
	res := &PingResult{}
	for _, m := range pingTimeRe.FindAllStringSubmatch(out, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		res.SamplesMS = append(res.SamplesMS, v)
	}

	m := pingLossRe.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no packet loss summary in ping output")
	}
	loss, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid packet loss %q: %w", m[1], err)
	}
	res.LossPercent = loss

	if len(res.SamplesMS) == 0 {
		return nil, fmt.Errorf("no replies received (%.0f%% loss)", loss)
	}
	if m := pingAvgRe.FindStringSubmatch(out); m != nil {
		if avg, err := strconv.ParseFloat(m[1], 64); err == nil {
			res.AvgMS = avg
			return res, nil
		}
	}
	res.AvgMS = stat.Mean(res.SamplesMS, nil)
	return res, nil
}

type iperfReport struct {
	End struct {
		SumReceived *struct {
			BitsPerSecond *float64 `json:"bits_per_second"`
		} `json:"sum_received"`
	} `json:"end"`
	Error string `json:"error"`
}

// ParseIperf3 returns the received throughput in Mbps from iperf3 --json
// output. A stalled path reports zero, which is a valid measurement.
func ParseIperf3(out []byte) (float64, error) {
	var report iperfReport
	if err := json.Unmarshal(out, &report); err != nil {
		return 0, fmt.Errorf("invalid iperf3 report: %w", err)
	}
	if report.Error != "" {
		return 0, fmt.Errorf("iperf3 error: %s", report.Error)
	}
	sum := report.End.SumReceived
	if sum == nil || sum.BitsPerSecond == nil {
		return 0, fmt.Errorf("iperf3 report has no received throughput")
	}
	bps := *sum.BitsPerSecond
	if bps < 0 || math.IsNaN(bps) {
		return 0, fmt.Errorf("iperf3 report has invalid throughput %v", bps)
	}
	return bps / 1e6, nil
}

// ParseNetstat parses the TcpExt section of /proc/net/netstat, which is a
// header line of counter names followed by a line of values
func ParseNetstat(out string) (map[string]int64, error) {
	var header []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if header == nil {
			header = fields[1:]
			continue
		}
		values := fields[1:]
		if len(values) != len(header) {
			return nil, fmt.Errorf("TcpExt has %d names but %d values", len(header), len(values))
		}
		counters := make(map[string]int64, len(header))
		for i, name := range header {
			v, err := strconv.ParseInt(values[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid TcpExt counter %s: %w", name, err)
			}
			counters[name] = v
		}
		return counters, nil
	}
	return nil, fmt.Errorf("no TcpExt section found")
}
