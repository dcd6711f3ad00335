// Package httpapi exposes the controller over plain net/http, trading
// a Flask/gevent generator pattern for an http.Flusher-driven NDJSON
// writer, matched on method+path with the stdlib 1.22+ ServeMux
// pattern syntax.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/controller"
	"github.com/kwohlfahrt/plz-go/internal/types"
	"github.com/kwohlfahrt/plz-go/version"
)

var tracer = otel.Tracer("github.com/kwohlfahrt/plz-go/internal/httpapi")

// Server wraps a Controller as an http.Handler.
type Server struct {
	ctrl *controller.Controller
	mux  *http.ServeMux
}

func NewServer(ctrl *controller.Controller) *Server {
	s := &Server{ctrl: ctrl, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
		trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("http.path", r.URL.Path)))
	defer span.End()

	rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rw, r.WithContext(ctx))

	span.SetAttributes(attribute.Int("http.status_code", rw.status))
	if rw.status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(rw.status))
	}
}

// statusWriter records the status code a handler wrote, for span
// attributes — the handlers themselves only ever call WriteHeader once.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /snapshots", s.createSnapshot)
	s.mux.HandleFunc("POST /commands", s.runCommand)
	s.mux.HandleFunc("GET /commands/list", s.listCommands)
	s.mux.HandleFunc("POST /commands/tidy", s.tidyUp)
	s.mux.HandleFunc("GET /commands/{id}/status", s.status)
	s.mux.HandleFunc("GET /commands/{id}/logs", s.logs(true, true))
	s.mux.HandleFunc("GET /commands/{id}/logs/stdout", s.logs(true, false))
	s.mux.HandleFunc("GET /commands/{id}/logs/stderr", s.logs(false, true))
	s.mux.HandleFunc("GET /commands/{id}/output/files", s.outputFiles)
	s.mux.HandleFunc("GET /commands/{id}/measures/files", s.measuresFiles)
	s.mux.HandleFunc("POST /commands/{id}/stop", s.stopCommand)
	s.mux.HandleFunc("DELETE /commands/{id}", s.deleteCommand)
	s.mux.HandleFunc("GET /users/{user}/last_execution_id", s.lastExecutionID)
	s.mux.HandleFunc("GET /version", s.version)
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var validation *apierrors.ValidationError
	var notFound *apierrors.NotFoundError
	var acquisition *apierrors.AcquisitionError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &acquisition):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// runCommand streams {"id": ...} immediately, then one frame per
// acquisition status, then a terminal frame — same shape as
// run_command_entrypoint's generator, over NDJSON instead of Flask's
// text/plain generator response.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.NewValidationError("invalid request body: %v", err))
		return
	}

	// The request context is cancelled when this handler returns, so
	// acquisition runs on a context that outlives the client connection.
	events, err := s.ctrl.Run(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusAccepted)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client disconnected; stop writing but let the execution
			// keep running server-side, draining the remaining events
			// in the background so the producers never block.
			go func() {
				for range events {
				}
			}()
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	reader := bufio.NewReader(r.Body)
	metadataLine, err := reader.ReadString('\n')
	if err != nil {
		writeError(w, apierrors.NewValidationError("expected a json metadata line: %v", err))
		return
	}

	events, err := s.ctrl.CreateSnapshot(r.Context(), metadataLine, reader)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := s.ctrl.ListCommands(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

func (s *Server) tidyUp(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.TidyUp(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) logs(stdout, stderr bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := s.ctrl.Logs(r.Context(), r.PathValue("id"), stdout, stderr)
		if err != nil {
			writeError(w, err)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, rc); err != nil {
			slog.WarnContext(r.Context(), "httpapi.logs copy", "error", err)
		}
	}
}

func (s *Server) outputFiles(w http.ResponseWriter, r *http.Request) {
	rc, err := s.ctrl.OutputFiles(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func (s *Server) measuresFiles(w http.ResponseWriter, r *http.Request) {
	rc, err := s.ctrl.MeasuresFiles(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

// stopCommand normalizes stopping an already-stopped (or never bound)
// execution to 204, so the tolerance is the server's contract and the
// CLI needs no client-side special case.
func (s *Server) stopCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopCommand(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lastExecutionID(w http.ResponseWriter, r *http.Request) {
	id, ok, err := s.ctrl.GetUserLastExecutionID(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id})
}
