package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

const pingOutput = `PING 10.0.0.2 (10.0.0.2) 56(84) bytes of data.
64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=10.0 ms
64 bytes from 10.0.0.2: icmp_seq=2 ttl=64 time=11.0 ms
64 bytes from 10.0.0.2: icmp_seq=3 ttl=64 time=12.0 ms
64 bytes from 10.0.0.2: icmp_seq=4 ttl=64 time=13.0 ms
64 bytes from 10.0.0.2: icmp_seq=5 ttl=64 time=50.0 ms

--- 10.0.0.2 ping statistics ---
6 packets transmitted, 5 received, 16.6667% packet loss, time 1005ms
rtt min/avg/max/mdev = 10.000/19.200/50.000/15.600 ms
`

const busyboxPing = `PING 10.0.0.2 (10.0.0.2): 56 data bytes
64 bytes from 10.0.0.2: seq=0 ttl=64 time=4.000 ms
64 bytes from 10.0.0.2: seq=1 ttl=64 time=6.000 ms

--- 10.0.0.2 ping statistics ---
2 packets transmitted, 2 packets received, 0% packet loss
`

const iperfOutput = `{"start":{},"end":{"sum_sent":{"bits_per_second":9.5e7},"sum_received":{"bits_per_second":9.4e7}}}`

const netstatOutput = `TcpExt: SyncookiesSent TCPLostRetransmit TCPFastRetransmit
TcpExt: 0 42 7
IpExt: InNoRoutes InTruncatedPkts
IpExt: 0 0
`

type fakeResult struct {
	out string
	err error
}

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]fakeResult
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	for prefix, r := range f.results {
		if strings.Contains(cmd, prefix) {
			return []byte(r.out), r.err
		}
	}
	return nil, errors.New("unexpected command " + cmd)
}

func newFakeRunner() *fakeRunner {
	r := &fakeRunner{results: map[string]fakeResult{
		"ping ":             {out: pingOutput, err: errors.New("exit status 1")},
		"iperf3 ":           {out: iperfOutput},
		"/proc/net/netstat": {out: netstatOutput},
	}}
	r.results["sysctl -n "+CCASysctl] = fakeResult{out: "cubic\n"}
	return r
}

func testProbeConfig() uci.ProbeConfig {
	return uci.ProbeConfig{Namespace: "ns-client", Target: "10.0.0.2", TimeoutS: 5}
}

func TestParsePing(t *testing.T) {
	res, err := ParsePing(pingOutput)
	if err != nil {
		t.Fatalf("ParsePing() error = %v", err)
	}
	if len(res.SamplesMS) != 5 {
		t.Errorf("Expected 5 samples, got %d", len(res.SamplesMS))
	}
	if res.AvgMS != 19.2 {
		t.Errorf("Expected avg 19.2, got %v", res.AvgMS)
	}
	if res.LossPercent != 16.6667 {
		t.Errorf("Expected loss 16.6667, got %v", res.LossPercent)
	}

	bloat, ok := res.Bufferbloat()
	if !ok || bloat != 40 {
		t.Errorf("Expected bufferbloat 40, got %v (%v)", bloat, ok)
	}
}

func TestParsePing_Busybox(t *testing.T) {
	res, err := ParsePing(busyboxPing)
	if err != nil {
		t.Fatalf("ParsePing() error = %v", err)
	}
	if res.AvgMS != 5 {
		t.Errorf("Expected mean 5 without a summary line, got %v", res.AvgMS)
	}
	if res.LossPercent != 0 {
		t.Errorf("Expected no loss, got %v", res.LossPercent)
	}
}

func TestParsePing_Errors(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"empty", ""},
		{"all lost", "3 packets transmitted, 0 received, 100% packet loss, time 2003ms\n"},
		{"no summary", "64 bytes from 10.0.0.2: icmp_seq=1 ttl=64 time=10.0 ms\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePing(tt.out); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestPingResult_BufferbloatNeedsTwoSamples(t *testing.T) {
	res := &PingResult{SamplesMS: []float64{10}}
	if _, ok := res.Bufferbloat(); ok {
		t.Error("Expected no bufferbloat from a single sample")
	}
}

func TestParseIperf3(t *testing.T) {
	mbps, err := ParseIperf3([]byte(iperfOutput))
	if err != nil {
		t.Fatalf("ParseIperf3() error = %v", err)
	}
	if mbps != 94 {
		t.Errorf("Expected 94 Mbps, got %v", mbps)
	}

	stalled, err := ParseIperf3([]byte(`{"end":{"sum_received":{"bytes":0,"bits_per_second":0}}}`))
	if err != nil {
		t.Fatalf("ParseIperf3() on a stalled path error = %v", err)
	}
	if stalled != 0 {
		t.Errorf("Expected 0 Mbps on a stalled path, got %v", stalled)
	}

	bad := []string{
		"",
		"not json",
		`{"error":"unable to connect to server"}`,
		`{"end":{}}`,
		`{"end":{"sum_received":{}}}`,
		`{"end":{"sum_received":{"bits_per_second":-1}}}`,
		`{"end":{"sum_received":{"bits_per_second":0}},"error":"interrupt"}`,
	}
	for _, b := range bad {
		if _, err := ParseIperf3([]byte(b)); err == nil {
			t.Errorf("Expected an error for %q", b)
		}
	}
}

func TestParseNetstat(t *testing.T) {
	counters, err := ParseNetstat(netstatOutput)
	if err != nil {
		t.Fatalf("ParseNetstat() error = %v", err)
	}
	if counters["TCPLostRetransmit"] != 42 {
		t.Errorf("Expected 42 lost retransmits, got %d", counters["TCPLostRetransmit"])
	}
	if counters["TCPFastRetransmit"] != 7 {
		t.Errorf("Expected 7 fast retransmits, got %d", counters["TCPFastRetransmit"])
	}

	if _, err := ParseNetstat("IpExt: A\nIpExt: 1\n"); err == nil {
		t.Error("Expected an error without TcpExt")
	}
	if _, err := ParseNetstat("TcpExt: A B\nTcpExt: 1\n"); err == nil {
		t.Error("Expected an error for a short value line")
	}
}

func TestInNamespace(t *testing.T) {
	name, args := InNamespace("", "sysctl", "-n", CCASysctl)
	if name != "sysctl" || len(args) != 2 {
		t.Errorf("Expected the command untouched, got %s %v", name, args)
	}

	name, args = InNamespace("ns-client", "sysctl", "-n", CCASysctl)
	want := "netns exec ns-client sysctl -n " + CCASysctl
	if name != "ip" || strings.Join(args, " ") != want {
		t.Errorf("Expected ip %s, got %s %v", want, name, args)
	}
}

func TestShellCollector_Collect(t *testing.T) {
	runner := newFakeRunner()
	sc := NewShellCollector(testProbeConfig(), runner, logx.Discard())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sc.now = func() time.Time { return fixed }

	snap, err := sc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("Collected snapshot is invalid: %v", err)
	}

	if snap.RTT() != 19.2 {
		t.Errorf("Expected rtt 19.2, got %v", snap.RTT())
	}
	if snap.Throughput() != 94 {
		t.Errorf("Expected throughput 94, got %v", snap.Throughput())
	}
	if bloat, ok := snap.Bufferbloat(); !ok || bloat != 40 {
		t.Errorf("Expected bufferbloat 40, got %v", bloat)
	}
	if snap.Retransmits != 42 {
		t.Errorf("Expected 42 retransmits, got %d", snap.Retransmits)
	}
	if snap.CurrentAlgorithm != pkg.AlgorithmCubic {
		t.Errorf("Expected cubic, got %s", snap.CurrentAlgorithm)
	}
	if !snap.Timestamp.Equal(fixed) {
		t.Errorf("Expected timestamp %v, got %v", fixed, snap.Timestamp)
	}

	for _, call := range runner.calls {
		if !strings.HasPrefix(call, "ip netns exec ns-client ") {
			t.Errorf("Expected every probe inside the namespace, got %q", call)
		}
	}
}

func TestShellCollector_StalledPathIsMeasured(t *testing.T) {
	runner := newFakeRunner()
	runner.results["iperf3 "] = fakeResult{out: `{"end":{"sum_received":{"bits_per_second":0}}}`}
	sc := NewShellCollector(testProbeConfig(), runner, logx.Discard())

	snap, err := sc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("Collected snapshot is invalid: %v", err)
	}
	if snap.Throughput() != 0 {
		t.Errorf("Expected throughput 0, got %v", snap.Throughput())
	}
}

func TestShellCollector_OptionalProbesFail(t *testing.T) {
	runner := newFakeRunner()
	runner.results["/proc/net/netstat"] = fakeResult{err: errors.New("permission denied")}
	runner.results["sysctl -n "+CCASysctl] = fakeResult{err: errors.New("not found")}
	sc := NewShellCollector(testProbeConfig(), runner, logx.Discard())

	snap, err := sc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if snap.Retransmits != 0 || snap.CurrentAlgorithm != "" {
		t.Errorf("Expected zero values for failed optional probes, got %d %q", snap.Retransmits, snap.CurrentAlgorithm)
	}
}

func TestShellCollector_RequiredProbesFail(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		result fakeResult
	}{
		{"ping unreachable", "ping ", fakeResult{out: "3 packets transmitted, 0 received, 100% packet loss\n", err: errors.New("exit status 1")}},
		{"ping missing", "ping ", fakeResult{err: errors.New("executable file not found")}},
		{"iperf refused", "iperf3 ", fakeResult{out: `{"error":"unable to connect to server: Connection refused"}`, err: errors.New("exit status 1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.results[tt.key] = tt.result
			sc := NewShellCollector(testProbeConfig(), runner, logx.Discard())

			if _, err := sc.Collect(context.Background()); err == nil {
				t.Error("Expected Collect() to fail")
			}
		})
	}
}

func TestShellCollector_NoTarget(t *testing.T) {
	sc := NewShellCollector(uci.ProbeConfig{}, newFakeRunner(), logx.Discard())
	if _, err := sc.Collect(context.Background()); err == nil {
		t.Error("Expected an error without a target")
	}
}

func TestShellCollector_Current(t *testing.T) {
	runner := newFakeRunner()
	runner.results["sysctl -n "+CCASysctl] = fakeResult{out: "bbr\n"}
	sc := NewShellCollector(uci.ProbeConfig{}, runner, logx.Discard())

	alg, err := sc.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if alg != pkg.AlgorithmBBR {
		t.Errorf("Expected bbr, got %s", alg)
	}
	if runner.calls[0] != "sysctl -n "+CCASysctl {
		t.Errorf("Expected a direct sysctl call without a namespace, got %q", runner.calls[0])
	}
}
