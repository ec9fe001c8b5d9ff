package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

const maxSpecSize = 1 << 20

// Orchestrator is the part of transfer.Orchestrator the API drives.
type Orchestrator interface {
	Download(ctx context.Context, spec batch.Spec) (*batch.Batch, error)
	Pause(ctx context.Context, id batch.ID) error
	Resume(ctx context.Context, id batch.ID) error
	Delete(ctx context.Context, id batch.ID) error
	Status(id batch.ID) (batch.Snapshot, error)
	GetAllBatchStatuses(onReceived func([]batch.Snapshot))
	SubmitAllStoredDownloads(ctx context.Context, onSubmitted func())
}

type errorResponse struct {
	Error string `json:"error"`
}

type BatchHandler struct {
	username string
	password string
	o        Orchestrator
}

// NewBatchHandler creates the batch API. An empty username disables basic auth.
func NewBatchHandler(username, password string, o Orchestrator) *BatchHandler {
	return &BatchHandler{username: username, password: password, o: o}
}

func (h *BatchHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(middleware.BasicAuth("batch_downloader", map[string]string{h.username: h.password}))
	}

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Post("/submit", h.HandleSubmit)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
		})
	})

	return r
}

// HandleList answers once stored batches have been loaded.
func (h *BatchHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	received := make(chan []batch.Snapshot, 1)

	h.o.GetAllBatchStatuses(func(snaps []batch.Snapshot) {
		received <- snaps
	})

	select {
	case snaps := <-received:
		writeJSON(r.Context(), w, http.StatusOK, snaps)
	case <-r.Context().Done():
		writeError(r.Context(), w, http.StatusServiceUnavailable, errors.New("batches are still loading"))
	}
}

func (h *BatchHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.o.Status(batchID(r))
	if err != nil {
		writeError(r.Context(), w, statusFor(err), err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, snap)
}

func (h *BatchHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var spec batch.Spec

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecSize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&spec); err != nil {
		logger.Warn("failed to decode batch spec", "err", err)
		writeError(ctx, w, http.StatusBadRequest, errors.New("invalid request body"))

		return
	}

	b, err := h.o.Download(ctx, spec)

	var delegation *transfer.DelegationError

	switch {
	case errors.As(err, &delegation) && b != nil:
		// Stored and registered; it starts on the next submit.
		logger.Warn("batch created but not started", "batch_id", b.ID(), "err", err)
		writeJSON(ctx, w, http.StatusAccepted, b.Status())
	case err != nil:
		writeError(ctx, w, statusFor(err), err)
	default:
		w.Header().Set("Location", "/batches/"+string(b.ID()))
		writeJSON(ctx, w, http.StatusCreated, b.Status())
	}
}

func (h *BatchHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.o.Pause)
}

func (h *BatchHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.o.Resume)
}

func (h *BatchHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.o.Delete)
}

// HandleSubmit hands every registered batch to the transfer engine.
func (h *BatchHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	h.o.SubmitAllStoredDownloads(r.Context(), nil)

	w.WriteHeader(http.StatusAccepted)
}

// command runs a lifecycle command. Unknown ids are accepted silently like the
// orchestrator does.
func (h *BatchHandler) command(w http.ResponseWriter, r *http.Request, run func(context.Context, batch.ID) error) {
	if err := run(r.Context(), batchID(r)); err != nil {
		writeError(r.Context(), w, statusFor(err), err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func batchID(r *http.Request) batch.ID {
	return batch.ID(chi.URLParam(r, "id"))
}

func statusFor(err error) int {
	var validation *batch.ValidationError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrBatchExists), errors.Is(err, batch.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrUnknownBatch):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("request failed", "err", err)
	}

	writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
