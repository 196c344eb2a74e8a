package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/sells-group/pcf-provenance/internal/store"
	"github.com/sells-group/pcf-provenance/pkg/registry"
	"github.com/sells-group/pcf-provenance/pkg/streamrpc"
	"github.com/sells-group/pcf-provenance/pkg/verifier"
)

var (
	registryPort int
	verifierPort int
	verifierDev  bool
)

var registryServerCmd = &cobra.Command{
	Use:   "registry-server",
	Short: "Serve the chunked PCF registry over gRPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("registry"); err != nil {
			return err
		}
		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		port := registryPort
		if port == 0 {
			port = cfg.Registry.ListenPort
		}
		gs := grpc.NewServer(streamrpc.ServerOption())
		registry.NewServer(st, cfg.Registry.ChunkSize).Register(gs)
		return serveGRPC(ctx, gs, port, "registry")
	},
}

var verifierServerCmd = &cobra.Command{
	Use:   "verifier-server",
	Short: "Serve a receipt verifier over gRPC",
	Long:  "Serves the receipt verification RPC. Only the --dev checker is built in; it accepts structurally valid receipts without checking the proof.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !verifierDev {
			return eris.New("verifier-server: no proof checker available; pass --dev to accept receipts without checking")
		}
		gs := grpc.NewServer(streamrpc.ServerOption())
		verifier.NewServer(verifier.DevChecker()).Register(gs)
		return serveGRPC(ctx, gs, verifierPort, "verifier")
	},
}

func serveGRPC(ctx context.Context, gs *grpc.Server, port int, name string) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return eris.Wrapf(err, "%s: listen on %d", name, port)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("starting grpc server", zap.String("service", name), zap.Int("port", port))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down grpc server", zap.String("service", name))
		gs.GracefulStop()
		return nil
	})
	return g.Wait()
}

func init() {
	registryServerCmd.Flags().IntVar(&registryPort, "port", 0, "listen port (default from config)")
	verifierServerCmd.Flags().IntVar(&verifierPort, "port", 50052, "listen port")
	verifierServerCmd.Flags().BoolVar(&verifierDev, "dev", false, "accept receipts without checking the proof")
	rootCmd.AddCommand(registryServerCmd, verifierServerCmd)
}
