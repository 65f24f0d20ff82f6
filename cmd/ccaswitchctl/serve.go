package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/markus-lassfolk/ccaswitch/pkg/predictive"
)

var (
	serveAddr   string
	serveModel  string
	serveMethod string
)

var serveModelCmd = &cobra.Command{
	Use:   "serve-model",
	Short: "Serve a linear model file as a remote predictor over gRPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		modelPath := serveModel
		if modelPath == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			modelPath = cfg.Predictor.ModelPath
		}
		if modelPath == "" {
			return fmt.Errorf("no model file given (--model or predictor.model_path)")
		}

		model, err := predictive.LoadLinearModel(modelPath)
		if err != nil {
			return err
		}

		logger := newLogger()
		s := grpc.NewServer()
		if err := predictive.NewClassifierServer(model, logger).Register(s, serveMethod); err != nil {
			return err
		}

		lis, err := net.Listen("tcp", serveAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", serveAddr, err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			s.GracefulStop()
		}()

		logger.Info("Serving predictor", "addr", lis.Addr().String(), "method", serveMethod, "model", modelPath)
		fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", serveMethod, lis.Addr())
		return s.Serve(lis)
	},
}

func init() {
	serveModelCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:50051", "Listen address")
	serveModelCmd.Flags().StringVar(&serveModel, "model", "", "Linear model JSON file (defaults to predictor.model_path)")
	serveModelCmd.Flags().StringVar(&serveMethod, "method", predictive.DefaultRemoteMethod, "Full gRPC method name")
}
