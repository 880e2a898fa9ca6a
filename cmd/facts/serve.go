package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/eliranbeatt/studio-facts/internal/api"
	"github.com/eliranbeatt/studio-facts/internal/mcp"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: run(modelsRequired, func(ctx context.Context, a *app, args []string) error {
		srv := mcp.NewServer(mcp.ServerConfig{
			Store:        a.store,
			Service:      a.service,
			Orchestrator: a.orchestrator,
			Version:      version,
		})
		a.logger.Info("mcp server starting", zap.String("db", a.cfg.DBPath.Value))
		return mcp.Serve(srv)
	}),
}

var listenAddr string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE: run(modelsRequired, func(ctx context.Context, a *app, args []string) error {
		if !verbose {
			gin.SetMode(gin.ReleaseMode)
		}
		s := &api.Server{Store: a.store, Service: a.service, Orchestrator: a.orchestrator, Logger: a.logger}
		httpSrv := &http.Server{
			Addr:              listenAddr,
			Handler:           s.SetupRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("http api listening", zap.String("addr", listenAddr))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("http api shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	}),
}

func init() {
	apiCmd.Flags().StringVar(&listenAddr, "addr", "127.0.0.1:8420", "listen address")
}
