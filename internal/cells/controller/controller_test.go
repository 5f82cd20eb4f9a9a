package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"celld/internal/cells/cgroups"
	"celld/internal/cells/proc"
	"celld/internal/cells/registry"
	"celld/internal/cells/service"
	"celld/internal/observe"

	"github.com/gin-gonic/gin"
)

type nopController struct{}

func (nopController) Create(parent *cgroups.Handle, name string) (*cgroups.Handle, error) {
	path := "/fake/" + name
	if parent != nil {
		path = parent.Path + "/" + name
	}
	return &cgroups.Handle{Path: path}, nil
}
func (nopController) Apply(*cgroups.Handle, cgroups.Spec) error { return nil }
func (nopController) Destroy(*cgroups.Handle) error             { return nil }
func (nopController) Kill(*cgroups.Handle) error                { return nil }
func (nopController) V2() bool                                  { return true }

type stubHandle struct {
	pid  int
	done chan struct{}
}

func (h *stubHandle) Pid() int                    { return h.pid }
func (h *stubHandle) Done() <-chan struct{}       { return h.done }
func (h *stubHandle) ExitStatus() proc.ExitStatus { return proc.ExitStatus{} }

type stubSpawner struct {
	mu      sync.Mutex
	nextPid int
	events  chan proc.ExitEvent
}

func (s *stubSpawner) Spawn(ctx context.Context, req proc.SpawnRequest) (proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPid++
	return &stubHandle{pid: s.nextPid, done: make(chan struct{})}, nil
}
func (s *stubSpawner) Stop(ctx context.Context, h proc.Handle) error { return nil }
func (s *stubSpawner) Events() <-chan proc.ExitEvent                 { return s.events }
func (s *stubSpawner) ReleaseLogs(pid int)                           {}

func newTestRouter(t *testing.T) (*gin.Engine, *service.CellService, *observe.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sp := &stubSpawner{nextPid: 100, events: make(chan proc.ExitEvent, 4)}
	reg := registry.New(nopController{}, sp)
	svc, err := service.NewCellService(service.Config{Registry: reg, CgroupV2: true})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	logs := observe.NewRegistry()
	router := gin.New()
	NewCellController(svc, logs).RegisterRoutes(router)
	return router, svc, logs
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestListCells(t *testing.T) {
	router, svc, _ := newTestRouter(t)
	if _, err := svc.Allocate(context.Background(), &service.AllocateRequest{
		Cell: service.CellSpec{Name: "work"},
	}); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	w := doRequest(router, http.MethodGet, "/api/v1/cells")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var body struct {
		Code int `json:"code"`
		Data struct {
			Cells []struct {
				Name  string `json:"name"`
				State string `json:"state"`
			} `json:"cells"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Data.Cells) != 1 || body.Data.Cells[0].Name != "work" {
		t.Fatalf("unexpected cells: %s", w.Body.String())
	}
	if body.Data.Cells[0].State != "ready" {
		t.Fatalf("state = %q", body.Data.Cells[0].State)
	}
}

func TestGetLogsSnapshot(t *testing.T) {
	router, _, logs := newTestRouter(t)
	buf := observe.NewLogBuffer(0)
	_, _ = buf.Write([]byte("captured output\n"))
	if err := logs.Register(4321, observe.ChannelStdout, buf); err != nil {
		t.Fatalf("register: %v", err)
	}

	w := doRequest(router, http.MethodGet, "/api/v1/logs/"+strconv.Itoa(4321)+"/stdout")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "captured output\n" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestGetLogsUnknownPid(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/api/v1/logs/999/stdout")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetLogsBadParams(t *testing.T) {
	router, _, _ := newTestRouter(t)
	if w := doRequest(router, http.MethodGet, "/api/v1/logs/notanumber/stdout"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad pid: status = %d", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/api/v1/logs/42/tty"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad channel: status = %d", w.Code)
	}
}
