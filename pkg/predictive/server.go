package predictive

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// ClassifierServer answers remote prediction calls with a local classifier
type ClassifierServer struct {
	classifier Classifier
	logger     *logx.Logger
}

// NewClassifierServer creates a server for classifier
func NewClassifierServer(classifier Classifier, logger *logx.Logger) *ClassifierServer {
	return &ClassifierServer{classifier: classifier, logger: logger}
}

// Predict handles one request message
func (cs *ClassifierServer) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := req.GetFields()["features"].GetListValue().GetValues()
	if len(raw) != NumFeatures {
		return nil, fmt.Errorf("expected %d features, got %d", NumFeatures, len(raw))
	}
	features := make([]float64, len(raw))
	for i, v := range raw {
		features[i] = v.GetNumberValue()
	}

	alg := cs.classifier.Classify(features)
	cs.logger.Debug("Served prediction", "algorithm", alg)
	return structpb.NewStruct(map[string]interface{}{"algorithm": string(alg)})
}

// Register adds the prediction service to s under method, a full method
// name such as DefaultRemoteMethod
func (cs *ClassifierServer) Register(s *grpc.Server, method string) error {
	service, name, err := splitMethod(method)
	if err != nil {
		return err
	}

	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: name,
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return cs.Predict(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
				return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return cs.Predict(ctx, req.(*structpb.Struct))
				})
			},
		}},
		Metadata: "ccaswitch/predictor",
	}, cs)
	return nil
}

func splitMethod(method string) (string, string, error) {
	parts := strings.Split(strings.TrimPrefix(method, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid method name %q", method)
	}
	return parts[0], parts[1], nil
}

var _ Classifier = (*LinearModel)(nil)
var _ pkg.Predictor = (*RemotePredictor)(nil)
