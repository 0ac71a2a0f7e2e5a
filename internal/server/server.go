// Package server exposes devices, images and burns over HTTP, with burn
// progress streamed as Server-Sent Events.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/isoflash/isoflash/internal/metrics"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/fsm"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
	"github.com/rs/cors"
)

const opBurn = "burn"

// DeviceLister lists candidate targets.
type DeviceLister interface {
	ListRemovable(ctx context.Context) ([]device.Descriptor, error)
}

// Burner runs the burn pipeline.
type Burner interface {
	Begin(ctx context.Context, req *fsm.BurnRequest) error
	Run(ctx context.Context, req *fsm.BurnRequest, sink progress.Sink) (*fsm.BurnResponse, error)
}

// Deps are the components the handlers call into. Repo and Metrics may be
// nil; the endpoints that need them then answer 503 or are not mounted.
type Deps struct {
	Devices     DeviceLister
	Inspector   fsm.Inspector
	Burner      Burner
	Repo        *db.Repository
	Metrics     *metrics.Metrics
	Defaults    writer.Options
	CORSOrigins []string
	// JobRetention is how long a finished burn's event stream stays
	// available. Defaults to DefaultJobRetention.
	JobRetention time.Duration
}

// DefaultJobRetention keeps finished event streams around long enough for a
// client to reconnect and read the outcome.
const DefaultJobRetention = 15 * time.Minute

type job struct {
	cancel   context.CancelFunc
	events   *broker
	finished time.Time
}

// Server holds the router and the in-flight burns.
type Server struct {
	deps Deps

	mu        sync.Mutex
	jobs      map[string]*job
	retention time.Duration
	wg        sync.WaitGroup
	// base is cancelled by Shutdown; burns derive from it rather than from
	// the request context.
	base   context.Context
	cancel context.CancelFunc
}

func New(deps Deps) *Server {
	base, cancel := context.WithCancel(context.Background())
	retention := deps.JobRetention
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &Server{deps: deps, jobs: make(map[string]*job), retention: retention, base: base, cancel: cancel}
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/api/images", s.handleListImages).Methods("GET")
	r.HandleFunc("/api/images/inspect", s.handleInspect).Methods("POST")
	r.HandleFunc("/api/burns", s.handleStartBurn).Methods("POST")
	r.HandleFunc("/api/burns", s.handleListBurns).Methods("GET")
	r.HandleFunc("/api/burns/{id}", s.handleGetBurn).Methods("GET")
	r.HandleFunc("/api/burns/{id}", s.handleCancelBurn).Methods("DELETE")
	r.HandleFunc("/api/burns/{id}/events", s.handleBurnEvents).Methods("GET")
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// cancels running burns.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: event streams stay open for the whole burn.
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http_server_start", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("http_server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

// Shutdown cancels every running burn and waits for them to finish.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// Catalog analyses path and records it in the image catalog.
func (s *Server) Catalog(ctx context.Context, path, source string) (*db.Image, error) {
	desc, err := s.deps.Inspector.Analyze(ctx, path)
	if err != nil {
		return nil, err
	}
	img := db.ImageFromDescriptor(desc, source)
	if s.deps.Repo != nil {
		if err := s.deps.Repo.UpsertImage(ctx, img); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func (s *Server) job(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	j, ok := s.jobs[id]
	return j, ok
}

// pruneLocked forgets burns that finished more than the retention ago.
// s.mu must be held.
func (s *Server) pruneLocked(now time.Time) {
	for id, j := range s.jobs {
		if !j.finished.IsZero() && now.Sub(j.finished) > s.retention {
			delete(s.jobs, id)
			slog.Debug("burn_job_pruned", "burn_id", id)
		}
	}
}

func (s *Server) finish(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.finished = time.Now()
}

func (s *Server) activeBurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if !j.events.done() {
			n++
		}
	}
	return n
}

func statusFor(err error) int {
	var integrity *image.IntegrityError
	switch {
	case errors.Is(err, writer.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, writer.ErrAlreadyInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
