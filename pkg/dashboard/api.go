package dashboard

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/checkpoint"
	"github.com/fortiblox/sputnik/pkg/journal"
	"github.com/fortiblox/sputnik/pkg/session"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Runs          uint64  `json:"runs"`
	LastID        uint64  `json:"lastId"`
	DatabaseSize  int64   `json:"databaseSize"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`

	// Runtime stats
	MemAlloc     uint64 `json:"memAlloc"`
	NumGC        uint32 `json:"numGC"`
	NumGoroutine int    `json:"numGoroutine"`
	GoVersion    string `json:"goVersion"`
}

// RunResponse is the response for GET /api/runs/{id}.
type RunResponse struct {
	ID          uint64       `json:"id"`
	Program     types.Hash   `json:"program"`
	Outcome     string       `json:"outcome"`
	Algorithm   string       `json:"algorithm"`
	LeafCount   int          `json:"leafCount"`
	Leaves      []types.Hash `json:"leaves,omitempty"`
	Root        *types.Hash  `json:"root,omitempty"`
	StateHex    string       `json:"stateHex,omitempty"`
	ExecIndex   int          `json:"execIndex"`
	Checkpoint  string       `json:"checkpoint,omitempty"`
	ResumedFrom uint64       `json:"resumedFrom,omitempty"`
	Error       string       `json:"error,omitempty"`
	Source      string       `json:"source,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
	DurationMs  float64      `json:"durationMs"`
}

// RunsListResponse is the response for GET /api/runs.
type RunsListResponse struct {
	Runs []RunResponse `json:"runs"`
}

// VerifyResponse is the response for GET /api/runs/{id}/verify.
type VerifyResponse struct {
	ID       uint64     `json:"id"`
	Root     types.Hash `json:"root"`
	Verified bool       `json:"verified"`
	Error    string     `json:"error,omitempty"`
}

// ProofResponse is the response for GET /api/runs/{id}/proof/{leaf}.
type ProofResponse struct {
	ID        uint64            `json:"id"`
	Algorithm string            `json:"algorithm"`
	Leaf      types.Hash        `json:"leaf"`
	LeafIndex uint64            `json:"leafIndex"`
	Siblings  []SiblingResponse `json:"siblings"`
	Root      types.Hash        `json:"root"`
	Verified  bool              `json:"verified"`
}

// SiblingResponse is one step of a proof path.
type SiblingResponse struct {
	Hash types.Hash `json:"hash"`
	Left bool       `json:"left"`
}

// CheckpointResponse is one entry of GET /api/checkpoints/{program}.
type CheckpointResponse struct {
	Label       string    `json:"label"`
	ExecIndex   int       `json:"execIndex"`
	SavedAt     time.Time `json:"savedAt"`
	StoredBytes int       `json:"storedBytes"`
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := d.runs.Stats()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := d.uptime()

	writeJSON(w, StatusResponse{
		Runs:          stats.Runs,
		LastID:        stats.LastID,
		DatabaseSize:  stats.DatabaseSize,
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
		MemAlloc:      mem.Alloc,
		NumGC:         mem.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
	})
}

// handleAPIRuns handles GET /api/runs?program=&outcome=&limit=.
func (d *Dashboard) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := journal.ListOptions{Limit: d.config.PageSize}

	if p := q.Get("program"); p != "" {
		digest, err := types.HashFromBase58(p)
		if err != nil {
			writeError(w, "Invalid program digest", http.StatusBadRequest)
			return
		}
		opts.Program = &digest
	}
	if o := q.Get("outcome"); o != "" {
		outcome, ok := parseOutcome(o)
		if !ok {
			writeError(w, "Invalid outcome", http.StatusBadRequest)
			return
		}
		opts.Outcome = outcome
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}

	runs, err := d.runs.List(opts)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := RunsListResponse{Runs: make([]RunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runResponse(run, false))
	}
	writeJSON(w, resp)
}

// handleAPIRun handles GET /api/runs/{id}.
func (d *Dashboard) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := d.runs.Get(id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSONPretty(w, runResponse(run, true))
}

// handleAPIVerify handles GET /api/runs/{id}/verify. A root mismatch is
// reported in the body, not as an HTTP error.
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	if d.verifier == nil {
		writeError(w, "Verification not available", http.StatusNotImplemented)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	root, err := d.verifier.Verify(id)
	resp := VerifyResponse{ID: id, Root: root, Verified: err == nil}
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRootMismatch), errors.Is(err, session.ErrDigestMismatch):
		resp.Error = err.Error()
	default:
		writeLookupError(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleAPIProof handles GET /api/runs/{id}/proof/{leaf}.
func (d *Dashboard) handleAPIProof(w http.ResponseWriter, r *http.Request) {
	if d.verifier == nil {
		writeError(w, "Proofs not available", http.StatusNotImplemented)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	leaf, err := strconv.Atoi(r.PathValue("leaf"))
	if err != nil {
		writeError(w, "Invalid leaf index", http.StatusBadRequest)
		return
	}

	proof, err := d.verifier.Proof(id, leaf)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	verified, err := audit.VerifyProof(proof)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := ProofResponse{
		ID:        id,
		Algorithm: string(proof.Algorithm),
		Leaf:      proof.Leaf,
		LeafIndex: proof.LeafIndex,
		Siblings:  make([]SiblingResponse, len(proof.Siblings)),
		Root:      proof.Root,
		Verified:  verified,
	}
	for i, sib := range proof.Siblings {
		resp.Siblings[i] = SiblingResponse{Hash: sib.Hash, Left: sib.IsLeft}
	}
	writeJSON(w, resp)
}

// handleAPICheckpoints handles GET /api/checkpoints/{program}.
func (d *Dashboard) handleAPICheckpoints(w http.ResponseWriter, r *http.Request) {
	if d.checkpoints == nil {
		writeError(w, "Checkpoints not available", http.StatusNotImplemented)
		return
	}
	digest, err := types.HashFromBase58(r.PathValue("program"))
	if err != nil {
		writeError(w, "Invalid program digest", http.StatusBadRequest)
		return
	}

	infos, err := d.checkpoints.List(digest)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]CheckpointResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, CheckpointResponse{
			Label:       info.Label,
			ExecIndex:   info.ExecIndex,
			SavedAt:     info.SavedAt,
			StoredBytes: info.StoredBytes,
		})
	}
	writeJSON(w, resp)
}

func runResponse(run *journal.Run, detail bool) RunResponse {
	resp := RunResponse{
		ID:          run.ID,
		Program:     run.ProgramDigest,
		Outcome:     run.Outcome.String(),
		Algorithm:   string(run.Algorithm),
		LeafCount:   len(run.Leaves),
		ExecIndex:   run.ExecIndex,
		Checkpoint:  run.Checkpoint,
		ResumedFrom: run.ResumedFrom,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		DurationMs:  float64(run.Duration().Microseconds()) / 1000,
	}
	if run.Outcome == journal.OutcomeKilled {
		root := run.Root
		resp.Root = &root
	}
	if len(run.State) > 0 {
		resp.StateHex = hex.EncodeToString(run.State)
	}
	if detail {
		resp.Leaves = run.Leaves
		resp.Source = run.ProgramSource
	}
	return resp
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "Invalid run ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeLookupError maps journal and session errors to HTTP status codes.
func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, journal.ErrRunNotFound), errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrNotFinalized), errors.Is(err, audit.ErrLeafOutOfRange):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseOutcome(s string) (journal.Outcome, bool) {
	for _, o := range []journal.Outcome{journal.OutcomeKilled, journal.OutcomeHalted, journal.OutcomeFaulted} {
		if o.String() == s {
			return o, true
		}
	}
	return 0, false
}

// writeJSONPretty writes an indented JSON response.
func writeJSONPretty(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(data)
}
