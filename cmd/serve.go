// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/debug"
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
	"github.com/LeeDigitalWorks/dirauth/pkg/server"
	"github.com/LeeDigitalWorks/dirauth/pkg/utils"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const readyCheckTimeout = 3 * time.Second

// ServeOpts holds the listener configuration of the serve command.
type ServeOpts struct {
	HTTPAddr        string
	DebugAddr       string
	GRPCAddr        string // empty disables the gRPC health server
	CertFile        string
	KeyFile         string
	AutoMigrate     bool
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the login API",
	Long: `Start the dirauth login API, which serves:
- POST /v1/auth/login   password login against the directory
- POST /v1/auth/sso     trusted sign-on (when usernames.sso.enabled is set)
- GET  /v1/auth/session bearer token validation

A debug server exposes /metrics, /health, /ready and pprof. An optional
gRPC server reports the same readiness through the standard health service.
`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("http_addr", ":8080", "Address for the login API")
	f.String("debug_addr", ":8085", "Address for the debug server (metrics, pprof)")
	f.String("grpc_addr", "", "Address for the gRPC health server (empty disables it)")
	f.String("cert_file", "", "Path to TLS certificate file for the gRPC health server")
	f.String("key_file", "", "Path to TLS key file for the gRPC health server")
	f.Bool("auto_migrate", true, "Apply pending identity store migrations at startup")
	f.Duration("health_interval", 10*time.Second, "Interval between gRPC health status refreshes")
	f.Duration("shutdown_timeout", 15*time.Second, "Time allowed for in-flight requests on shutdown")
}

func loadServeOpts(f *FlagLoader) ServeOpts {
	return ServeOpts{
		HTTPAddr:        f.String("http_addr"),
		DebugAddr:       f.String("debug_addr"),
		GRPCAddr:        f.String("grpc_addr"),
		CertFile:        f.String("cert_file"),
		KeyFile:         f.String("key_file"),
		AutoMigrate:     f.Bool("auto_migrate"),
		HealthInterval:  f.Duration("health_interval"),
		ShutdownTimeout: f.Duration("shutdown_timeout"),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	debug.SetNotReady()

	v, cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	opts := loadServeOpts(NewFlagLoader(cmd, v))

	a, err := newApp(ctx, cfg, appOptions{migrate: opts.AutoMigrate})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing components")
		}
	}()

	registerReadyChecks(a)

	proxies, err := a.cfg.Usernames.SSO.ProxyPrefixes()
	if err != nil {
		return err
	}
	handler := server.NewHandler(a.orchestrator, a.sessions, server.Config{
		TrustedHeader:  a.cfg.Usernames.SSO.HeaderKey,
		TrustedProxies: proxies,
	})
	apiServer, err := startHTTPServer(handler, opts.HTTPAddr)
	if err != nil {
		return err
	}
	debugServer, err := startHTTPServer(debug.GetMux(), opts.DebugAddr)
	if err != nil {
		return err
	}

	var grpcServer *grpc.Server
	stopHealth := func() {}
	if opts.GRPCAddr != "" {
		var hs *health.Server
		grpcServer, hs, err = startHealthServer(opts)
		if err != nil {
			return err
		}
		stopHealth = watchHealth(hs, opts.HealthInterval)
	}

	debug.SetReady()
	logger.Info().
		Str("http_addr", opts.HTTPAddr).
		Str("debug_addr", opts.DebugAddr).
		Str("grpc_addr", opts.GRPCAddr).
		Msg("dirauth started")

	waitForShutdown()
	debug.SetNotReady()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()

	stopHealth()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("login API shutdown incomplete")
	}
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("debug server shutdown incomplete")
	}
	logger.Info().Msg("dirauth stopped")
	return nil
}

func registerReadyChecks(a *app) {
	debug.AddReadyCheck("directory", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), readyCheckTimeout)
		defer cancel()
		return a.directory.Ping(ctx)
	})
	if a.sql != nil {
		debug.AddReadyCheck("identity_store", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readyCheckTimeout)
			defer cancel()
			return a.sql.Ping(ctx)
		})
	}
}

func startHTTPServer(handler http.Handler, addr string) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("http_addr", listener.Addr().String()).Msg("starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	return httpServer, nil
}

func startHealthServer(opts ServeOpts) (*grpc.Server, *health.Server, error) {
	var grpcOpts []grpc.ServerOption
	tlsOpt, err := utils.GetServerOption(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	if tlsOpt != nil {
		logger.Info().Msg("gRPC health server using TLS")
		grpcOpts = append(grpcOpts, tlsOpt)
	}

	listener, err := net.Listen("tcp", opts.GRPCAddr)
	if err != nil {
		return nil, nil, err
	}

	grpcServer := grpc.NewServer(grpcOpts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	go func() {
		logger.Info().Str("grpc_addr", listener.Addr().String()).Msg("gRPC health server listening")
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("gRPC health server failed")
		}
	}()
	return grpcServer, hs, nil
}

// watchHealth mirrors debug.CheckReady into the gRPC health service until
// the returned stop function is called.
func watchHealth(hs *health.Server, interval time.Duration) func() {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})

	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if ok, failed := debug.CheckReady(); !ok {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Debug().Interface("failed", failed).Msg("not ready")
		}
		hs.SetServingStatus("", status)
	}

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		update()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		hs.Shutdown()
	}
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	<-stopChan
	signal.Stop(stopChan)
}
