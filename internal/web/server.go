// Package web serves the local HTTP API: status, telemetry, logs, RPC and
// attribute writes, and the Prometheus endpoint.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"bioreactor/internal/command"
	"bioreactor/internal/metrics"
)

const maxBodyBytes = 64 << 10

// Commands is the command surface; command.Dispatcher implements it.
type Commands interface {
	Call(ctx context.Context, req command.Request) command.Response
	Apply(ctx context.Context, attrs map[string]any) error
	Snapshot(ctx context.Context) (command.Telemetry, error)
}

type Options struct {
	Status   *Status
	Commands Commands
	Logs     *LogBuffer
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("http handler panic", "detail", fmt.Sprint(v...))
}

func Handler(o Options) http.Handler {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Status == nil {
		o.Status = NewStatus("", "", Sources{})
	}
	r := mux.NewRouter()
	route := func(path string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, o.Metrics.WrapHandler(path, fn)).Methods(methods...)
	}

	route("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, o.Status.Snapshot(time.Now().UTC()))
	}, http.MethodGet)

	if o.Logs != nil {
		route("/api/logs", o.Logs.serveHTTP, http.MethodGet)
	}

	if o.Commands != nil {
		s := &commandServer{cmds: o.Commands, log: o.Log}
		route("/api/telemetry", s.telemetry, http.MethodGet)
		route("/api/rpc", s.rpc, http.MethodPost)
		route("/api/attributes", s.attributes, http.MethodPost)
	}

	if o.Metrics != nil {
		r.Handle("/metrics", o.Metrics.Handler()).Methods(http.MethodGet)
	}

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{o.Log}),
		handlers.PrintRecoveryStack(false),
	)(r)
}

type commandServer struct {
	cmds Commands
	log  *slog.Logger
}

func (s *commandServer) telemetry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cmds.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, command.ErrorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *commandServer) rpc(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	req, err := command.DecodeRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, command.ErrorResponse(err))
		return
	}
	req.ID = uuid.NewString()
	resp := s.cmds.Call(r.Context(), req)
	w.Header().Set("X-Request-Id", req.ID)
	writeJSON(w, rpcStatus(resp), resp)
}

// rpcStatus maps an error response to an HTTP status; the body is the same
// one an MQTT caller would receive.
func rpcStatus(resp command.Response) int {
	msg, failed := resp["error"].(string)
	switch {
	case !failed:
		return http.StatusOK
	case strings.HasPrefix(msg, "Unknown method: "):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *commandServer) attributes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	attrs, err := command.DecodeAttributes(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, command.ErrorResponse(err))
		return
	}
	if err := s.cmds.Apply(r.Context(), attrs); err != nil {
		writeJSON(w, http.StatusBadRequest, command.Response{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, command.Response{"status": "ok"})
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web: %w", err)
	}
}
