package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/isoflash/isoflash/internal/metrics"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/fsm"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

type fakeDevices struct {
	devices []device.Descriptor
	err     error
}

func (f *fakeDevices) ListRemovable(ctx context.Context) ([]device.Descriptor, error) {
	return f.devices, f.err
}

type fakeInspector struct{}

func (fakeInspector) Analyze(ctx context.Context, path string) (*image.Descriptor, error) {
	if strings.HasSuffix(path, ".txt") {
		return nil, &image.IntegrityError{Path: path, Err: image.ErrNotAnImage}
	}
	return &image.Descriptor{Path: path, SizeBytes: 2 << 20, SHA256: "aa", IsBootable: true, IsHybrid: true}, nil
}

func (f fakeInspector) VerifyIntegrity(ctx context.Context, path, expected string) (*image.Descriptor, error) {
	desc, err := f.Analyze(ctx, path)
	if err == nil && expected != desc.SHA256 {
		err = &image.IntegrityError{Path: path, Err: image.ErrChecksumMismatch}
	}
	return desc, err
}

// fakeBurner emits a short burn, or blocks until cancelled when block is set.
type fakeBurner struct {
	repo  *db.Repository
	block bool
	gate  chan struct{}
}

func (f *fakeBurner) Begin(ctx context.Context, req *fsm.BurnRequest) error {
	if err := req.Options.Validate(); err != nil {
		return err
	}
	b := &db.Burn{ImagePath: req.ImagePath, DevicePath: req.DevicePath, Strategy: string(req.Options.Strategy)}
	if err := f.repo.CreateBurn(ctx, b); err != nil {
		return err
	}
	req.BurnID = b.ID
	return nil
}

func (f *fakeBurner) Run(ctx context.Context, req *fsm.BurnRequest, sink progress.Sink) (*fsm.BurnResponse, error) {
	if f.gate != nil {
		<-f.gate
	}
	sink(progress.Status(opBurn, "writing"))
	sink(progress.Event{Op: "write", Kind: progress.KindProgress, Percent: 50, BytesDone: 1, BytesTotal: 2})
	if f.block {
		<-ctx.Done()
		err := writer.Cancelled("write", req.DevicePath, 1, ctx.Err())
		f.repo.UpdateBurnStatus(context.Background(), req.BurnID, db.StatusCancelled, err.Error())
		sink(progress.Failed(opBurn, err))
		return nil, err
	}
	sink(progress.Event{Op: "write", Kind: progress.KindProgress, Percent: 100, BytesDone: 2, BytesTotal: 2})
	f.repo.UpdateBurnStatus(context.Background(), req.BurnID, db.StatusCompleted, "")
	sink(progress.Completed(opBurn, "done"))
	return &fsm.BurnResponse{BurnID: req.BurnID, Status: db.StatusCompleted}, nil
}

func newTestServer(t *testing.T, burner *fakeBurner) (*Server, http.Handler) {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "isoflash.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })
	burner.repo = repo

	s := New(Deps{
		Devices:   &fakeDevices{devices: []device.Descriptor{{Path: "/dev/sdb", IsRemovable: true}}},
		Inspector: fakeInspector{},
		Burner:    burner,
		Repo:      repo,
		Metrics:   metrics.New(),
		Defaults:  writer.DefaultOptions(),
	})
	t.Cleanup(s.Shutdown)
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	h.ServeHTTP(rec, req)
	return rec
}

func startBurn(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	rec := do(t, h, "POST", "/api/burns", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/burns = %d %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	return resp["id"]
}

func readSSE(t *testing.T, body []byte) []progress.Event {
	t.Helper()
	var events []progress.Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var raw struct {
			Op      string `json:"op"`
			Kind    string `json:"kind"`
			Percent int    `json:"percent"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &raw); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		ev := progress.Event{Op: raw.Op, Percent: raw.Percent}
		switch raw.Kind {
		case "progress":
			ev.Kind = progress.KindProgress
		case "completed":
			ev.Kind = progress.KindCompleted
		case "failed":
			ev.Kind = progress.KindFailed
		}
		events = append(events, ev)
	}
	return events
}

func waitDone(t *testing.T, s *Server, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := s.job(id); ok && j.events.done() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("burn %s did not finish", id)
}

func TestHealthAndDevices(t *testing.T) {
	_, h := newTestServer(t, &fakeBurner{})

	if rec := do(t, h, "GET", "/api/health", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("GET /api/health = %d %s", rec.Code, rec.Body)
	}

	rec := do(t, h, "GET", "/api/devices", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/dev/sdb") {
		t.Errorf("GET /api/devices = %d %s", rec.Code, rec.Body)
	}
}

func TestDevices_EnumerationFailureIsNotFatal(t *testing.T) {
	s := New(Deps{Devices: &fakeDevices{devices: []device.Descriptor{}, err: &device.EnumerationError{Backend: "lsblk", Err: errors.New("boom")}}})
	rec := do(t, s.Handler(), "GET", "/api/devices", "")

	var resp struct {
		Devices []device.Descriptor `json:"devices"`
		Error   string              `json:"error"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusOK || resp.Devices == nil || len(resp.Devices) != 0 || resp.Error == "" {
		t.Errorf("GET /api/devices = %d %+v", rec.Code, resp)
	}
}

func TestInspectCataloguesImage(t *testing.T) {
	_, h := newTestServer(t, &fakeBurner{})

	tests := []struct {
		body string
		code int
	}{
		{`{"path": "/isos/a.iso"}`, http.StatusOK},
		{`{"path": "/isos/a.iso", "expected_sha256": "aa"}`, http.StatusOK},
		{`{"path": "/isos/a.iso", "expected_sha256": "bb"}`, http.StatusUnprocessableEntity},
		{`{"path": "/isos/notes.txt"}`, http.StatusUnprocessableEntity},
		{`{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, h, "POST", "/api/images/inspect", tt.body); rec.Code != tt.code {
			t.Errorf("inspect %s = %d, want %d (%s)", tt.body, rec.Code, tt.code, rec.Body)
		}
	}

	rec := do(t, h, "GET", "/api/images", "")
	var images []db.Image
	json.NewDecoder(rec.Body).Decode(&images)
	if len(images) != 1 || images[0].Path != "/isos/a.iso" || images[0].Source != db.SourceInspect {
		t.Errorf("catalog = %+v", images)
	}
}

func TestBurnLifecycle(t *testing.T) {
	s, h := newTestServer(t, &fakeBurner{})

	id := startBurn(t, h, `{"image_path": "/isos/a.iso", "device_path": "/dev/sdb", "strategy": "raw"}`)
	waitDone(t, s, id)

	rec := do(t, h, "GET", "/api/burns/"+id+"/events", "")
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	events := readSSE(t, rec.Body.Bytes())
	if len(events) != 4 {
		t.Fatalf("replayed %d events, want 4", len(events))
	}
	last := events[len(events)-1]
	if last.Op != opBurn || last.Kind != progress.KindCompleted {
		t.Errorf("last event = %+v", last)
	}

	rec = do(t, h, "GET", "/api/burns/"+id, "")
	var burn db.Burn
	json.NewDecoder(rec.Body).Decode(&burn)
	if rec.Code != http.StatusOK || burn.Status != db.StatusCompleted {
		t.Errorf("GET burn = %d %+v", rec.Code, burn)
	}

	rec = do(t, h, "GET", "/api/burns?limit=10", "")
	var burns []db.Burn
	json.NewDecoder(rec.Body).Decode(&burns)
	if len(burns) != 1 {
		t.Errorf("GET burns = %+v", burns)
	}

	if rec := do(t, h, "DELETE", "/api/burns/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel finished burn = %d, want 404", rec.Code)
	}
}

func TestFinishedBurnsArePruned(t *testing.T) {
	s, h := newTestServer(t, &fakeBurner{})
	s.retention = time.Millisecond

	id := startBurn(t, h, `{"image_path": "/isos/a.iso", "device_path": "/dev/sdb", "strategy": "raw"}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := s.job(id); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("burn %s was never pruned", id)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := do(t, h, "GET", "/api/burns/"+id+"/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("events of pruned burn = %d, want 404", rec.Code)
	}
	rec := do(t, h, "GET", "/api/burns/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("history should outlive the job: GET burn = %d", rec.Code)
	}
}

func TestRunningBurnsAreNotPruned(t *testing.T) {
	burner := &fakeBurner{gate: make(chan struct{})}
	s, h := newTestServer(t, burner)
	s.retention = time.Nanosecond
	defer close(burner.gate)

	id := startBurn(t, h, `{"image_path": "/isos/a.iso", "device_path": "/dev/sdb", "strategy": "raw"}`)
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.job(id); !ok {
		t.Fatal("running burn was pruned")
	}
	if s.activeBurns() != 1 {
		t.Errorf("active burns = %d", s.activeBurns())
	}
}

func TestBurnStreamsLiveEvents(t *testing.T) {
	burner := &fakeBurner{gate: make(chan struct{})}
	_, h := newTestServer(t, burner)
	srv := httptest.NewServer(h)
	defer srv.Close()

	id := startBurn(t, h, `{"image_path": "/isos/a.iso", "device_path": "/dev/sdb"}`)

	resp, err := http.Get(srv.URL + "/api/burns/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	close(burner.gate)

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	events := readSSE(t, buf.Bytes())
	if len(events) != 4 || events[3].Kind != progress.KindCompleted {
		t.Errorf("streamed events = %+v", events)
	}
}

func TestCancelBurn(t *testing.T) {
	s, h := newTestServer(t, &fakeBurner{block: true})

	id := startBurn(t, h, `{"image_path": "/isos/a.iso", "device_path": "/dev/sdb"}`)
	if rec := do(t, h, "DELETE", "/api/burns/"+id, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("DELETE = %d %s", rec.Code, rec.Body)
	}
	waitDone(t, s, id)

	rec := do(t, h, "GET", "/api/burns/"+id, "")
	var burn db.Burn
	json.NewDecoder(rec.Body).Decode(&burn)
	if burn.Status != db.StatusCancelled || !strings.Contains(burn.ErrorMessage, "undefined") {
		t.Errorf("cancelled burn = %+v", burn)
	}
}

func TestStartBurnRejectsBadInput(t *testing.T) {
	_, h := newTestServer(t, &fakeBurner{})

	tests := []struct {
		body string
		code int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"image_path": "/a.iso"}`, http.StatusBadRequest},
		{`{"image_path": "/a.iso", "device_path": "/dev/sdb", "strategy": "xcopy"}`, http.StatusBadRequest},
		{`{"image_path": "/a.iso", "device_path": "/dev/sdb", "buffer_size_bytes": 12}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, h, "POST", "/api/burns", tt.body); rec.Code != tt.code {
			t.Errorf("POST %s = %d, want %d", tt.body, rec.Code, tt.code)
		}
	}

	if rec := do(t, h, "GET", "/api/burns/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET missing burn = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/burns/nope/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET missing events = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t, &fakeBurner{})
	rec := do(t, h, "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "isoflash_images_discovered_total") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
}
