// Package dashboard provides a read-only web view of the run journal.
//
// The dashboard provides:
// - Journal statistics and process metrics
// - Recent runs, filterable by program and outcome
// - Run details with audit leaves
// - Audit root verification and leaf inclusion proofs
// - Checkpoints stored for a program
//
// The HTML page is a single embedded template; everything else is JSON
// under /api/.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/checkpoint"
	"github.com/fortiblox/sputnik/pkg/journal"
)

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration

	// PageSize is the number of runs on the index page.
	PageSize int

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		PageSize:     50,
	}
}

// Runs is the journal view the dashboard reads. *journal.Journal
// implements it.
type Runs interface {
	Get(id uint64) (*journal.Run, error)
	List(opts journal.ListOptions) ([]*journal.Run, error)
	Stats() (*journal.Stats, error)
}

// Verifier checks journaled runs. *session.Runner implements it.
type Verifier interface {
	Verify(id uint64) (types.Hash, error)
	Proof(id uint64, index int) (*audit.MerkleProof, error)
}

// Checkpoints lists stored checkpoints. *checkpoint.Store implements it.
type Checkpoints interface {
	List(program types.Hash) ([]checkpoint.Info, error)
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config      Config
	server      *http.Server
	runs        Runs
	verifier    Verifier
	checkpoints Checkpoints
	logger      *slog.Logger

	templates *template.Template

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server. verifier and checkpoints may be nil,
// which disables the endpoints that need them.
func New(config Config, runs Runs, verifier Verifier, checkpoints Checkpoints) (*Dashboard, error) {
	if runs == nil {
		return nil, errors.New("dashboard needs a run journal")
	}

	// Apply defaults
	def := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = def.BindAddress
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tmpl, err := template.New("index").Funcs(template.FuncMap{
		"truncateHash":   truncateHash,
		"formatDuration": formatDuration,
		"formatBytes":    formatBytes,
	}).Parse(indexTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	return &Dashboard{
		config:      config,
		runs:        runs,
		verifier:    verifier,
		checkpoints: checkpoints,
		logger:      logger,
		templates:   tmpl,
		startTime:   time.Now(),
	}, nil
}

// Handler returns the dashboard's HTTP routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	// Page routes
	mux.HandleFunc("GET /{$}", d.handleIndex)

	// API routes
	mux.HandleFunc("GET /api/status", d.handleAPIStatus)
	mux.HandleFunc("GET /api/runs", d.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}", d.handleAPIRun)
	mux.HandleFunc("GET /api/runs/{id}/verify", d.handleAPIVerify)
	mux.HandleFunc("GET /api/runs/{id}/proof/{leaf}", d.handleAPIProof)
	mux.HandleFunc("GET /api/checkpoints/{program}", d.handleAPICheckpoints)

	return mux
}

// Start starts the dashboard HTTP server and blocks until ctx is done or
// the server fails.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.logger.Info("dashboard listening", "addr", d.Address())
	if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	srv := d.server
	d.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// Address returns the address the dashboard is listening on.
func (d *Dashboard) Address() string {
	return net.JoinHostPort(d.config.BindAddress, fmt.Sprint(d.config.Port))
}

// handleIndex renders the overview page.
func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Uptime": d.uptime(),
	}
	if stats, err := d.runs.Stats(); err == nil {
		data["Stats"] = stats
	} else {
		data["Error"] = err.Error()
	}
	if runs, err := d.runs.List(journal.ListOptions{Limit: d.config.PageSize}); err == nil {
		data["Runs"] = runs
	} else {
		data["Error"] = err.Error()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.Execute(w, data); err != nil {
		d.logger.Warn("render index", "error", err)
	}
}

// uptime returns the time since the server started.
func (d *Dashboard) uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Since(d.startTime)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func truncateHash(h types.Hash, n int) string {
	s := h.String()
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Sputnik runs</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; color: #1d2330; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .3rem .8rem; border-bottom: 1px solid #dde; }
.killed { color: #1a7f37; } .halted { color: #9a6700; } .faulted { color: #cf222e; }
</style>
</head>
<body>
<h1>Sputnik runs</h1>
{{with .Error}}<p class="faulted">{{.}}</p>{{end}}
{{with .Stats}}<p>{{.Runs}} runs, last id {{.LastID}}, journal {{formatBytes .DatabaseSize}}, up {{formatDuration $.Uptime}}</p>{{end}}
<table>
<tr><th>ID</th><th>Outcome</th><th>Program</th><th>Leaves</th><th>Index</th><th>Root</th><th>Finished</th></tr>
{{range .Runs}}<tr>
<td><a href="/api/runs/{{.ID}}">{{.ID}}</a></td>
<td class="{{.Outcome}}">{{.Outcome}}</td>
<td>{{truncateHash .ProgramDigest 6}}</td>
<td>{{len .Leaves}}</td>
<td>{{.ExecIndex}}</td>
<td>{{if not .Root.IsZero}}<a href="/api/runs/{{.ID}}/verify">{{truncateHash .Root 6}}</a>{{end}}</td>
<td>{{.FinishedAt.Format "2006-01-02 15:04:05"}}</td>
</tr>{{else}}<tr><td colspan="7">no runs yet</td></tr>{{end}}
</table>
</body>
</html>
`
