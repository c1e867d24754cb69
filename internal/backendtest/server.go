// Package backendtest serves a scripted device backend for tests. Every endpoint of the
// device-testing contract is routed, each with a replaceable reply, a call counter and an
// optional gate that holds requests until released.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

const (
	PathHealth        = "/health"
	PathReserve       = "/reserve"
	PathRelease       = "/release"
	PathAlertTest     = "/run-alert-test"
	PathMetrics       = "/metrics"
	PathHardwareDelta = "/hardware-delta"
	PathScreenshot    = "/screenshot"
)

// PNG is the default screenshot payload.
var PNG = []byte("\x89PNG\r\n\x1a\nfake-screenshot")

type Reply struct {
	Status      int
	ContentType string
	Body        []byte
	// Drop hijacks and closes the connection without writing a response.
	Drop bool
}

func JSONReply(status int, v any) Reply {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Reply{Status: status, ContentType: "application/json", Body: body}
}

type Gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
	arrOnce sync.Once
}

// Arrived is closed once the first gated request reaches the handler.
func (g *Gate) Arrived() <-chan struct{} {
	return g.arrived
}

func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

type Server struct {
	*httptest.Server

	mu      sync.Mutex
	replies map[string]Reply
	calls   map[string]int
	gates   map[string]*Gate
}

func DefaultReplies() map[string]Reply {
	return map[string]Reply{
		PathHealth:    JSONReply(http.StatusOK, map[string]any{"status": "ok", "phone_connected": true, "phone_busy": false}),
		PathReserve:   JSONReply(http.StatusOK, map[string]any{"status": "reserved"}),
		PathRelease:   JSONReply(http.StatusOK, map[string]any{"status": "released"}),
		PathAlertTest: JSONReply(http.StatusOK, map[string]any{"status": "alert_triggered"}),
		PathMetrics:   JSONReply(http.StatusOK, map[string]any{"battery": "87%", "cpu": "14%", "memory": "2048 MB"}),
		PathHardwareDelta: JSONReply(http.StatusOK, map[string]any{
			"launch_time_ms":    812,
			"cpu_before":        "9%",
			"cpu_after":         "31%",
			"ram_before_MB":     1800,
			"ram_after_MB":      1950,
			"ram_diff_MB":       150,
			"battery_before":    "88",
			"battery_after":     "87",
			"battery_drain_mAh": 0.004321,
		}),
		PathScreenshot: {Status: http.StatusOK, ContentType: "image/png", Body: PNG},
	}
}

// New starts a fake backend that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		replies: DefaultReplies(),
		calls:   map[string]int{},
		gates:   map[string]*Gate{},
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(func() {
		s.releaseAll()
		s.Close()
	})
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	for _, path := range []string{
		PathHealth, PathReserve, PathRelease, PathAlertTest,
		PathMetrics, PathHardwareDelta, PathScreenshot,
	} {
		r.HandleFunc(path, s.handle(path)).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handle(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[path]++
		reply := s.replies[path]
		gate := s.gates[path]
		s.mu.Unlock()

		if gate != nil {
			gate.arrOnce.Do(func() { close(gate.arrived) })
			select {
			case <-gate.release:
			case <-r.Context().Done():
				return
			}
		}
		if reply.Drop {
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		if reply.ContentType != "" {
			w.Header().Set("Content-Type", reply.ContentType)
		}
		status := reply.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(reply.Body)
	}
}

func (s *Server) Set(path string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[path] = reply
}

func (s *Server) SetJSON(path string, status int, v any) {
	s.Set(path, JSONReply(status, v))
}

// Fail makes path answer with status and a FastAPI-style detail body.
func (s *Server) Fail(path string, status int) {
	s.SetJSON(path, status, map[string]any{"detail": http.StatusText(status)})
}

func (s *Server) Drop(path string) {
	s.Set(path, Reply{Drop: true})
}

// Block holds requests to path until the returned gate is released.
func (s *Server) Block(path string) *Gate {
	g := &Gate{arrived: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.gates[path] = g
	s.mu.Unlock()
	return g
}

func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *Server) releaseAll() {
	s.mu.Lock()
	gates := make([]*Gate, 0, len(s.gates))
	for _, g := range s.gates {
		gates = append(gates, g)
	}
	s.mu.Unlock()
	for _, g := range gates {
		g.Release()
	}
}
