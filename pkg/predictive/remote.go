package predictive

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// DefaultRemoteMethod is the full gRPC method name of the prediction call
const DefaultRemoteMethod = "/ccaswitch.Predictor/Predict"

// RemotePredictor asks a model server for a prediction over gRPC. Request
// and response are google.protobuf.Struct messages so no generated stubs
// are needed on either side.
type RemotePredictor struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
	logger  *logx.Logger
	prev    *pkg.MetricsSnapshot
}

// NewRemotePredictor connects to addr. The connection is established lazily
// so a model server that is down at startup only makes predictions fail.
func NewRemotePredictor(ctx context.Context, addr, method string, timeout time.Duration, logger *logx.Logger, opts ...grpc.DialOption) (*RemotePredictor, error) {
	if method == "" {
		method = DefaultRemoteMethod
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial model server %s: %w", addr, err)
	}

	logger.Info("Remote predictor configured", "addr", addr, "method", method)
	return &RemotePredictor{conn: conn, method: method, timeout: timeout, logger: logger}, nil
}

// Predict implements pkg.Predictor
func (rp *RemotePredictor) Predict(ctx context.Context, snap *pkg.MetricsSnapshot) (pkg.Algorithm, error) {
	req, err := EncodeRequest(snap, rp.prev)
	if err != nil {
		return "", err
	}
	rp.prev = snap

	if rp.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := rp.conn.Invoke(ctx, rp.method, req, resp); err != nil {
		return "", fmt.Errorf("remote prediction failed: %w", err)
	}
	return DecodeResponse(resp)
}

// Close closes the connection
func (rp *RemotePredictor) Close() error {
	return rp.conn.Close()
}

// EncodeRequest builds the request message for a snapshot
func EncodeRequest(snap, prev *pkg.MetricsSnapshot) (*structpb.Struct, error) {
	features := Features(snap, prev)
	named := make(map[string]interface{}, len(features))
	list := make([]interface{}, len(features))
	for i, v := range features {
		named[FeatureNames[i]] = v
		list[i] = v
	}

	fields := map[string]interface{}{
		"features":          list,
		"named_features":    named,
		"current_algorithm": string(snap.CurrentAlgorithm),
	}
	if bloat, ok := snap.Bufferbloat(); ok {
		fields["bufferbloat_ms"] = bloat
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prediction request: %w", err)
	}
	return req, nil
}

// DecodeResponse extracts the algorithm from a response message
func DecodeResponse(resp *structpb.Struct) (pkg.Algorithm, error) {
	v, ok := resp.GetFields()["algorithm"]
	if !ok {
		return "", fmt.Errorf("prediction response has no algorithm field")
	}
	alg := v.GetStringValue()
	if alg == "" {
		return "", fmt.Errorf("prediction response algorithm is empty")
	}
	return pkg.Algorithm(alg), nil
}
