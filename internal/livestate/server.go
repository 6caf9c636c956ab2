package livestate

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the dashboard's Prometheus instruments. One Metrics
// value is shared by the HTTP server and the orchestrator's tick loop.
type Metrics struct {
	registry     *prometheus.Registry
	Ticks        prometheus.Counter
	ActiveAgents prometheus.Gauge
	RunBlocked   prometheus.Gauge
}

// NewMetrics builds a self-contained metrics set on a private registry,
// so parallel runs in one process never collide on registration.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskswarm_run_tick_total",
			Help: "Snapshot ticks published for the current run.",
		}),
		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskswarm_agents_active",
			Help: "Agents currently in the RUNNING state.",
		}),
		RunBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskswarm_run_blocked",
			Help: "1 when the run's overall state is BLOCKED, 0 otherwise.",
		}),
	}
	registry.MustRegister(m.Ticks, m.ActiveAgents, m.RunBlocked)
	return m
}

// StartFunc is invoked for an accepted POST /api/start; it returns the
// run id, or ok=false when a run was already started in this process.
type StartFunc func(task string) (runID string, ok bool)

// Server is the dashboard HTTP view over the live-state snapshot file.
type Server struct {
	StateFile string
	Metrics   *Metrics
	Logger    *slog.Logger

	// OnStart enables POST /api/start (web prompt mode). Nil disables
	// the endpoint entirely.
	OnStart StartFunc
}

// Handler builds the dashboard router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, dashboardHTML)
	})
	r.Get("/api/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_ = json.NewEncoder(w).Encode(LoadSnapshotDocument(s.StateFile))
	})
	if s.Metrics != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.Metrics.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	r.Post("/api/start", s.handleStart)
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.OnStart == nil {
		http.NotFound(w, r)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON payload."})
		return
	}
	task, ok := payload["task"].(string)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Task must be a string."})
		return
	}
	task = strings.TrimSpace(task)
	if task == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Task prompt cannot be empty."})
		return
	}

	runID, started := s.OnStart(task)
	if !started {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "A run is already in progress."})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID, "status": "started"})
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Listen binds the dashboard on 127.0.0.1:port (port 0 picks a free one)
// and serves in a background goroutine. The returned port is the bound
// one; Close shuts the listener down.
func (s *Server) Listen(port int) (*http.Server, int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, 0, fmt.Errorf("livestate: bind dashboard port %d: %w", port, err)
	}
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			if s.Logger != nil {
				s.Logger.Warn("livestate: dashboard server stopped", "error", serveErr)
			}
		}
	}()
	return srv, ln.Addr().(*net.TCPAddr).Port, nil
}

// StartGuard enforces the at-most-once POST /api/start semantics of web
// prompt mode.
type StartGuard struct {
	mu      sync.Mutex
	started bool
}

// TryStart marks the guard started; the second and later calls report
// false.
func (g *StartGuard) TryStart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return false
	}
	g.started = true
	return true
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>taskswarm dashboard</title>
<style>
  body { font-family: ui-monospace, monospace; background: #101418; color: #d8dee6; margin: 2rem; }
  h1 { font-size: 1.1rem; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
  th, td { text-align: left; padding: 0.3rem 0.6rem; border-bottom: 1px solid #2a3038; font-size: 0.85rem; }
  .DONE { color: #7fd17f; } .BLOCKED { color: #e07a7a; } .RUNNING { color: #e0c97a; } .QUEUED { color: #8a93a0; }
  #composer { margin-top: 1rem; display: none; }
  #composer textarea { width: 100%; height: 4rem; background: #181e24; color: #d8dee6; border: 1px solid #2a3038; }
  #activity { margin-top: 1rem; font-size: 0.8rem; color: #8a93a0; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>taskswarm <span id="state"></span></h1>
<div>run <span id="runId"></span> · tick <span id="tick"></span></div>
<div id="task"></div>
<div id="composer">
  <textarea id="prompt" placeholder="Describe the task to run..."></textarea>
  <button id="submit">Start run</button>
  <span id="startError"></span>
</div>
<table>
  <thead><tr><th>agent</th><th>status</th><th>scope</th><th>files</th><th>latest</th></tr></thead>
  <tbody id="agents"></tbody>
</table>
<div id="activity"></div>
<script>
async function refresh() {
  const res = await fetch('/api/state');
  const snap = await res.json();
  document.getElementById('state').textContent = snap.overallState || '';
  document.getElementById('state').className = snap.overallState || '';
  document.getElementById('runId').textContent = snap.runId || '';
  document.getElementById('tick').textContent = snap.tick || 0;
  document.getElementById('task').textContent = snap.task || '';
  document.getElementById('composer').style.display = (!snap.task && snap.overallState === 'IDLE') ? 'block' : 'none';
  const body = document.getElementById('agents');
  body.innerHTML = '';
  for (const a of snap.agents || []) {
    const row = document.createElement('tr');
    row.innerHTML = '<td>' + a.name + '</td><td class="' + a.status + '">' + a.status +
      '</td><td>' + (a.scope || '.') + '</td><td>' + a.changedFiles + '</td><td></td>';
    row.lastChild.textContent = a.blockerReason || a.latestMessage || '';
    body.appendChild(row);
  }
  document.getElementById('activity').textContent = (snap.activity || []).join('\n');
  if (!snap.finished) setTimeout(refresh, 700);
}
document.getElementById('submit').addEventListener('click', async () => {
  const task = document.getElementById('prompt').value;
  const res = await fetch('/api/start', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({task})
  });
  const out = await res.json();
  document.getElementById('startError').textContent = res.ok ? '' : (out.error || res.status);
});
refresh();
</script>
</body>
</html>
`
