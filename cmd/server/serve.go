package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/vesting-engine/api"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, v)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve()
		},
	}

	cmd.Flags().IntP("port", "p", 0, "HTTP server port")
	cmd.Flags().Duration("reconcile-every", time.Hour, "Interval between reconciliation sweeps, 0 disables")
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("reconcile.interval", cmd.Flags().Lookup("reconcile-every"))
	return cmd
}

func (a *app) serve() error {
	entry := logrus.NewEntry(a.log)

	handler := api.NewHandler(a.engine, a.bank, api.SystemClock, entry)

	scheduler := api.NewReconciliationScheduler(a.engine, entry)
	if every := a.cfg.Reconcile.Interval; every > 0 {
		scheduler.CheckInterval = every
	} else {
		scheduler.Enabled = false
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, scheduler, api.RouterOptions{AllowedOrigins: a.cfg.CORS.AllowedOrigins})

	port := a.cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		a.log.Infof("Server starting on http://localhost:%d", port)
		a.log.Infof("API available at http://localhost:%d/api", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		a.log.WithField("signal", sig).Info("Shutting down server...")
	case err := <-failed:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("Server stopped")
	return nil
}
