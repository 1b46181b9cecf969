package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// serve runs the http server until SIGINT or SIGTERM, then shuts down gracefully
func (app *application) serve() error {
	app.Server = &http.Server{
		Addr:              ":" + app.Config.Port,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		app.Logger.Info("Starting server", zap.String("address", app.Server.Addr))
		serveErr <- app.Server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		stop()
	}

	app.Logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.ShutdownTimeout)
	defer cancel()

	// Sessions end first so clients still receive SESSION_ENDED before the hub closes them
	app.Shutdown(shutdownCtx)

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	app.Logger.Info("Server stopped gracefully")
	return nil
}
