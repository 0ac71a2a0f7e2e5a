package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/fsm"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

var errNoRepository = errors.New("history database not configured")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http_response_encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_burns": s.activeBurns(),
	})
}

// handleDevices answers 200 even when enumeration fails; the list is then
// empty and the failure is reported alongside it.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Devices.ListRemovable(r.Context())
	resp := map[string]any{"devices": devices}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type inspectRequest struct {
	Path           string `json:"path"`
	ExpectedSHA256 string `json:"expected_sha256,omitempty"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"path\": ...}"))
		return
	}

	var desc *image.Descriptor
	var err error
	if req.ExpectedSHA256 != "" {
		desc, err = s.deps.Inspector.VerifyIntegrity(r.Context(), req.Path, req.ExpectedSHA256)
	} else {
		desc, err = s.deps.Inspector.Analyze(r.Context(), req.Path)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.deps.Repo != nil {
		if err := s.deps.Repo.UpsertImage(r.Context(), db.ImageFromDescriptor(desc, db.SourceInspect)); err != nil {
			slog.Warn("catalog_upsert_failed", "path", desc.Path, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRepository)
		return
	}
	images, err := s.deps.Repo.ListImages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if images == nil {
		images = []*db.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

// burnRequest leaves unset fields at the configured defaults.
type burnRequest struct {
	ImagePath           string  `json:"image_path"`
	DevicePath          string  `json:"device_path"`
	ExpectedSHA256      string  `json:"expected_sha256,omitempty"`
	Strategy            *string `json:"strategy,omitempty"`
	BufferSizeBytes     *int    `json:"buffer_size_bytes,omitempty"`
	Verify              *bool   `json:"verify,omitempty"`
	ForceUEFI           bool    `json:"force_uefi"`
	AllowNonHybridForce bool    `json:"allow_non_hybrid_force"`
	Eject               bool    `json:"eject"`
}

func (b burnRequest) options(defaults writer.Options) (writer.Options, error) {
	opts := defaults
	if b.Strategy != nil {
		strategy, err := writer.ParseStrategy(*b.Strategy)
		if err != nil {
			return opts, err
		}
		opts.Strategy = strategy
	}
	if b.BufferSizeBytes != nil {
		opts.BufferSizeBytes = *b.BufferSizeBytes
	}
	if b.Verify != nil {
		opts.VerifyAfterWrite = *b.Verify
		opts.SkipVerify = !*b.Verify
	}
	opts.ForceUEFI = b.ForceUEFI
	opts.AllowNonHybridForce = b.AllowNonHybridForce
	return opts, opts.Validate()
}

func (s *Server) handleStartBurn(w http.ResponseWriter, r *http.Request) {
	var body burnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid body"))
		return
	}
	if body.ImagePath == "" || body.DevicePath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("image_path and device_path are required"))
		return
	}
	opts, err := body.options(s.deps.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := &fsm.BurnRequest{
		ImagePath:      body.ImagePath,
		DevicePath:     body.DevicePath,
		ExpectedSHA256: body.ExpectedSHA256,
		Options:        opts,
		Eject:          body.Eject,
	}
	if err := s.deps.Burner.Begin(r.Context(), req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	j := &job{cancel: cancel, events: newBroker()}
	s.mu.Lock()
	s.pruneLocked(time.Now())
	s.jobs[req.BurnID] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if _, err := s.deps.Burner.Run(ctx, req, j.events.publish); err != nil {
			slog.Warn("burn_ended_with_error", "burn_id", req.BurnID, "error", err)
		}
		// Run reports its own terminal event; this only guards against a
		// burner that returns without one.
		j.events.publish(progress.Failed(opBurn, errors.New("burn ended without a result")))
		s.finish(j)
	}()

	slog.Info("burn_started", "burn_id", req.BurnID, "image", req.ImagePath, "device", req.DevicePath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.BurnID})
}

func (s *Server) handleListBurns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRepository)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	burns, err := s.deps.Repo.ListBurns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if burns == nil {
		burns = []*db.Burn{}
	}
	writeJSON(w, http.StatusOK, burns)
}

func (s *Server) handleGetBurn(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRepository)
		return
	}
	id := mux.Vars(r)["id"]
	burn, err := s.deps.Repo.GetBurn(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if burn == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("burn %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, burn)
}

func (s *Server) handleCancelBurn(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, ok := s.job(id)
	if !ok || j.events.done() {
		writeError(w, http.StatusNotFound, fmt.Errorf("no running burn %s", id))
		return
	}
	j.cancel()
	slog.Info("burn_cancel_requested", "burn_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// handleBurnEvents replays the burn's events so far and then streams the
// rest until the burn ends or the client goes away.
func (s *Server) handleBurnEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, ok := s.job(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no event stream for burn %s", id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	history, ch := j.events.subscribe()
	for _, ev := range history {
		writeSSE(w, ev)
	}
	flusher.Flush()
	if ch == nil {
		return
	}
	defer j.events.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("sse_encode_failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}
