package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/stagehand/internal/lg"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Addr        string        `yaml:"addr" json:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds a whole response; zero leaves streamed responses unbounded.
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8765",
		ReadTimeout:     10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer listens on config.Addr and serves until ctx is cancelled.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, log lg.Logger) error {
	if config.Addr == "" {
		config.Addr = DefaultServerConfig().Addr
	}
	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", config.Addr, err)
	}
	return Serve(ctx, ln, handler, config, log)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, config ServerConfig, log lg.Logger) error {
	log = lg.OrDiscard(log)
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", lg.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("server stopped gracefully")
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type requestKey struct{}

// ValidationHandler decodes and validates a JSON request body of type T.
type ValidationHandler[T any] struct {
	next http.Handler
}

// NewValidationHandler creates a new validation handler for the given request type.
func NewValidationHandler[T any](next http.Handler) http.Handler {
	return &ValidationHandler[T]{next: next}
}

// ServeHTTP decodes and validates the JSON request, passing it to the next handler via context.
func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var request T
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFrom returns the request stored by a ValidationHandler[T].
func RequestFrom[T any](ctx context.Context) (T, bool) {
	req, ok := ctx.Value(requestKey{}).(T)
	return req, ok
}
