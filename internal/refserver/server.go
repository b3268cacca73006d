// Package refserver is the reference backend for the autosave wire
// contract: a versioned entity table behind POST /entities/batch with
// optimistic locking and partial apply, plus entity listing and health.
package refserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tonimelisma/autosave/internal/entity"
	"github.com/tonimelisma/autosave/internal/remote"
)

// Server limits and timeouts.
const (
	maxRequestBytes   = 8 << 20
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

type batchRequest struct {
	Entities []entityPayload `json:"entities" validate:"required,min=1,max=500,dive"`
}

type entityPayload struct {
	Key     string        `json:"key" validate:"required"`
	Fields  entity.Fields `json:"fields" validate:"-"`
	Version int64         `json:"version" validate:"gte=0"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type ctxKey int

const requestIDKey ctxKey = iota

// Server serves the wire contract over a Store.
type Server struct {
	store    *Store
	logger   *slog.Logger
	validate *validator.Validate
	router   *mux.Router
}

// NewServer creates a Server over store.
func NewServer(store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    store,
		logger:   logger,
		validate: validator.New(),
		router:   mux.NewRouter(),
	}

	s.router.Use(s.requestID, s.logRequests)
	s.router.HandleFunc(remote.PathBatch, s.handleBatch).Methods(http.MethodPost)
	s.router.HandleFunc(remote.PathEntities, s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc(remote.PathHealth, s.handleHealth).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)

	go func() {
		errc <- srv.Serve(ln)
	}()

	s.logger.Info("reference server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return fmt.Errorf("refserver: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("refserver: shutting down: %w", err)
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("refserver: serving: %w", err)
	}

	s.logger.Info("reference server stopped")

	return nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		writeError(w, r, http.StatusBadRequest, "invalid request payload: "+err.Error())

		return
	}

	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := toEntities(req.Entities)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.store.Apply(r.Context(), batch)
	if err != nil {
		s.logger.Error("batch apply failed",
			slog.String("request_id", requestID(r)),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, "storage failure")

		return
	}

	resp := remote.BatchResponse{Accepted: result.Accepted}
	if resp.Accepted == nil {
		resp.Accepted = []entity.Entity{}
	}

	for _, ce := range result.Conflicts {
		resp.Conflicts = append(resp.Conflicts, remote.Conflict{
			Key:           ce.Key,
			ServerFields:  ce.ServerFields,
			ServerVersion: ce.ServerVersion,
		})
	}

	status := http.StatusOK
	if len(resp.Conflicts) > 0 {
		status = http.StatusConflict
	}

	writeJSON(w, status, resp)
}

// toEntities parses and checks the payload keys. A key may appear only
// once per batch.
func toEntities(payloads []entityPayload) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(payloads))
	seen := make(map[entity.Key]bool, len(payloads))

	for i, p := range payloads {
		key, err := entity.ParseKey(p.Key)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}

		if seen[key] {
			return nil, fmt.Errorf("entities[%d]: duplicate key %s", i, key)
		}

		seen[key] = true

		e := entity.Entity{Key: key, Fields: p.Fields, Version: p.Version}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}

		out = append(out, e)
	}

	return out, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, r, http.StatusBadRequest, "owner: required")
		return
	}

	// NewKey NFC-normalizes the owner the same way stored keys are.
	entities, err := s.store.List(r.Context(), entity.NewKey(owner, "").Owner)
	if err != nil {
		s.logger.Error("list failed",
			slog.String("request_id", requestID(r)),
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, "storage failure")

		return
	}

	writeJSON(w, http.StatusOK, remote.ListResponse{Entities: entities})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "database unavailable")
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// requestID echoes the caller's X-Request-ID or assigns a new one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(remote.HeaderRequest)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(remote.HeaderRequest, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", requestID(r)),
		)
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, remote.ErrorResponse{Error: msg, RequestID: requestID(r)})
}
