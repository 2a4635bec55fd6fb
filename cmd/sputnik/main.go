// Sputnik: gate VM with a Merkle audit trail.
//
// Usage:
//
//	sputnik run [flags] [program]
//	sputnik resume [flags] <run-id>
//	sputnik resume [flags] -label <label> <program>
//	sputnik verify [flags] <run-id>
//	sputnik proof [flags] <run-id> <leaf-index>
//	sputnik runs [flags]
//	sputnik checkpoints [flags] <program>
//	sputnik gate-server [flags]
//	sputnik dashboard [flags]
//	sputnik version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc"

	"github.com/fortiblox/sputnik/internal/config"
	"github.com/fortiblox/sputnik/internal/logging"
	"github.com/fortiblox/sputnik/internal/types"
	"github.com/fortiblox/sputnik/pkg/audit"
	"github.com/fortiblox/sputnik/pkg/checkpoint"
	"github.com/fortiblox/sputnik/pkg/dashboard"
	"github.com/fortiblox/sputnik/pkg/gate"
	"github.com/fortiblox/sputnik/pkg/gate/remote"
	"github.com/fortiblox/sputnik/pkg/journal"
	"github.com/fortiblox/sputnik/pkg/program"
	"github.com/fortiblox/sputnik/pkg/session"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var commands = map[string]func(ctx context.Context, args []string) error{
	"run":         cmdRun,
	"resume":      cmdResume,
	"verify":      cmdVerify,
	"proof":       cmdProof,
	"runs":        cmdRuns,
	"checkpoints": cmdCheckpoints,
	"gate-server": cmdGateServer,
	"dashboard":   cmdDashboard,
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("sputnik: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]

	switch name {
	case "version", "-version", "--version":
		fmt.Printf("sputnik %s (%s)\n", Version, GitCommit)
		return
	case "help", "-h", "-help", "--help":
		usage()
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	// Handle shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd(ctx, args); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: sputnik <command> [flags] [args]

Commands:
  run          execute a program from its EXEC instruction
  resume       continue a halted run from its checkpoint
  verify       recompute and check the audit root of a finished run
  proof        print the inclusion proof of one audit leaf
  runs         list, prune or delete journaled runs
  checkpoints  list or delete the checkpoints of a program
  gate-server  serve the plaintext gate backend over gRPC
  dashboard    serve a read-only web view of the run journal
  version      print version and exit

Run "sputnik <command> -h" for the flags of a command.
`)
}

// inputFlags collects repeated -input name=value flags.
type inputFlags []string

func (f *inputFlags) String() string {
	return strings.Join(*f, ",")
}

func (f *inputFlags) Set(s string) error {
	*f = append(*f, s)
	return nil
}

// options are the flags shared by every command that opens the data
// directory.
type options struct {
	config   string
	inputs   inputFlags
	hash     string
	dataDir  string
	backend  string
	endpoint string
	token    string
	tls      bool
	timeout  time.Duration
	logLevel string
	logJSON  bool
	journal  string
}

func (o *options) register(fs *flag.FlagSet, withInputs bool) {
	fs.StringVar(&o.config, "config", "", "CUE run file")
	if withInputs {
		fs.Var(&o.inputs, "input", "Input as name=value (repeatable); values: true, false, bits:0110, hex:00ff, integers, strings")
	}
	fs.StringVar(&o.hash, "hash", "", "Audit hash: blake3, keccak256, sha256")
	fs.StringVar(&o.dataDir, "data-dir", "", "Data directory for checkpoints and the run journal (default ~/.sputnik)")
	fs.StringVar(&o.backend, "backend", "", "Gate backend: plaintext, remote")
	fs.StringVar(&o.endpoint, "endpoint", "", "Remote gate server address")
	fs.StringVar(&o.token, "token", "", "Remote gate server token")
	fs.BoolVar(&o.tls, "tls", false, "Use TLS for the remote gate server")
	fs.DurationVar(&o.timeout, "timeout", 0, "Per-call timeout for the remote gate server")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&o.logJSON, "log-json", false, "Log JSON instead of text")
	fs.StringVar(&o.journal, "journal", "", "systemd journal logging: auto, on, off")
}

// runFile loads the run file, if any, and applies the flags that were set
// on top of it.
func (o *options) runFile(fs *flag.FlagSet) (*config.RunFile, error) {
	rf := config.Default()
	if o.config != "" {
		loaded, err := config.Load(o.config)
		if err != nil {
			return nil, err
		}
		rf = *loaded
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "hash":
			rf.Hash, err = audit.ParseHashAlgorithm(o.hash)
		case "data-dir":
			rf.DataDir = o.dataDir
		case "backend":
			rf.Backend.Kind = o.backend
		case "endpoint":
			rf.Backend.Endpoint = o.endpoint
		case "token":
			rf.Backend.Token = o.token
		case "tls":
			rf.Backend.TLS = o.tls
		case "timeout":
			rf.Backend.Timeout = o.timeout.String()
		case "log-level":
			rf.Log.Level = o.logLevel
		case "log-json":
			rf.Log.JSON = o.logJSON
		case "journal":
			rf.Log.Journal = o.journal
		}
	})
	if err != nil {
		return nil, err
	}
	if k := rf.Backend.Kind; k != config.BackendPlaintext && k != config.BackendRemote {
		return nil, fmt.Errorf("unknown backend %q", k)
	}
	if err := rf.Validate(); err != nil {
		return nil, err
	}

	inputs, err := config.ParseInputs(o.inputs)
	if err != nil {
		return nil, err
	}
	for name, v := range inputs {
		rf.Inputs[name] = v
	}

	if rf.DataDir == "" {
		rf.DataDir = defaultDataDir()
	}
	return &rf, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sputnik"
	}
	return filepath.Join(home, ".sputnik")
}

// env holds everything a command needs once the flags are parsed.
type env struct {
	rf          *config.RunFile
	logger      *slog.Logger
	runner      *session.Runner
	checkpoints *checkpoint.Store
	journal     *journal.Journal
	client      *remote.Client
}

func (o *options) open(fs *flag.FlagSet) (*env, error) {
	rf, err := o.runFile(fs)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:   rf.Log.Level,
		JSON:    rf.Log.JSON,
		Journal: rf.Log.Journal,
	})
	if err != nil {
		return nil, err
	}

	e := &env{rf: rf, logger: logger}

	var eval gate.Evaluator = gate.NewPlaintext()
	if rf.Backend.Kind == config.BackendRemote {
		cfg := remote.DefaultConfig()
		cfg.Endpoint = rf.Backend.Endpoint
		cfg.Token = rf.Backend.ExpandedToken()
		cfg.UseTLS = rf.Backend.TLS
		if d, _ := rf.Backend.CallTimeout(); d > 0 {
			cfg.CallTimeout = d
		}
		cfg.Logger = logger
		if e.client, err = remote.Dial(cfg); err != nil {
			return nil, err
		}
		eval = e.client
	}

	if e.checkpoints, err = checkpoint.Open(checkpoint.DefaultConfig(filepath.Join(rf.DataDir, "checkpoints"))); err != nil {
		e.close()
		return nil, err
	}
	if e.journal, err = journal.Open(journal.DefaultConfig(filepath.Join(rf.DataDir, "runs.db"))); err != nil {
		e.close()
		return nil, err
	}

	override, err := rf.AuditOverride()
	if err != nil {
		e.close()
		return nil, err
	}
	e.runner, err = session.New(session.Config{
		Evaluator:     eval,
		HashAlgorithm: rf.Hash,
		AuditOverride: override,
		Checkpoints:   e.checkpoints,
		Journal:       e.journal,
		Logger:        logger,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.logger.Warn("close journal", "error", err)
		}
	}
	if e.checkpoints != nil {
		if err := e.checkpoints.Close(); err != nil {
			e.logger.Warn("close checkpoints", "error", err)
		}
	}
	if e.client != nil {
		e.client.Close()
	}
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var o options
	o.register(fs, true)
	fs.Parse(args)

	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	path := e.rf.Program
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		return errors.New("no program given")
	}
	ops, err := program.ParseFile(path)
	if err != nil {
		return err
	}

	rep, err := e.runner.Run(ctx, ops, e.rf.Inputs)
	if rep != nil {
		printReport(rep)
	}
	return err
}

func cmdResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	var o options
	o.register(fs, true)
	label := fs.String("label", "", "Checkpoint label; resumes the program given as argument")
	fs.Parse(args)

	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	var rep *session.Report
	if *label != "" {
		if fs.NArg() != 1 {
			return errors.New("resume -label needs a program")
		}
		ops, perr := program.ParseFile(fs.Arg(0))
		if perr != nil {
			return perr
		}
		rep, err = e.runner.ResumeCheckpoint(ctx, ops, *label, e.rf.Inputs)
	} else {
		id, perr := runID(fs)
		if perr != nil {
			return perr
		}
		rep, err = e.runner.ResumeRun(ctx, id, e.rf.Inputs)
	}
	if rep != nil {
		printReport(rep)
	}
	return err
}

func cmdVerify(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	var o options
	o.register(fs, false)
	fs.Parse(args)

	id, err := runID(fs)
	if err != nil {
		return err
	}
	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	root, err := e.runner.Verify(id)
	if err != nil {
		return err
	}
	fmt.Printf("run %d verified, audit root %s\n", id, root)
	return nil
}

func cmdProof(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("proof", flag.ExitOnError)
	var o options
	o.register(fs, false)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return errors.New("proof needs a run ID and a leaf index")
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run ID %q", fs.Arg(0))
	}
	index, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid leaf index %q", fs.Arg(1))
	}

	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	proof, err := e.runner.Proof(id, index)
	if err != nil {
		return err
	}
	ok, err := audit.VerifyProof(proof)
	if err != nil {
		return err
	}

	fmt.Printf("algorithm: %s\n", proof.Algorithm)
	fmt.Printf("leaf %d:    %s\n", proof.LeafIndex, proof.Leaf)
	for i, sib := range proof.Siblings {
		side := "right"
		if sib.IsLeft {
			side = "left"
		}
		fmt.Printf("  %2d %-5s %s\n", i, side, sib.Hash)
	}
	fmt.Printf("root:      %s\n", proof.Root)
	fmt.Printf("verified:  %v\n", ok)
	return nil
}

func cmdRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	var o options
	o.register(fs, false)
	prog := fs.String("program", "", "Only runs of this program (file or base58 digest)")
	outcome := fs.String("outcome", "", "Only runs with this outcome: killed, halted, faulted")
	limit := fs.Int("limit", 20, "Maximum runs listed (0 = all)")
	del := fs.Uint64("delete", 0, "Delete the run with this ID")
	prune := fs.Int("prune", -1, "Keep only the newest N runs")
	stats := fs.Bool("stats", false, "Print journal statistics")
	fs.Parse(args)

	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	switch {
	case *del != 0:
		if err := e.journal.Delete(*del); err != nil {
			return err
		}
		fmt.Printf("deleted run %d\n", *del)
		return nil
	case *prune >= 0:
		n, err := e.journal.Prune(*prune)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d runs\n", n)
		return nil
	case *stats:
		s, err := e.journal.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("runs:    %d\nlast id: %d\nsize:    %d bytes\n", s.Runs, s.LastID, s.DatabaseSize)
		return nil
	}

	opts := journal.ListOptions{Limit: *limit}
	if *prog != "" {
		digest, err := programDigest(*prog)
		if err != nil {
			return err
		}
		opts.Program = &digest
	}
	if *outcome != "" {
		if opts.Outcome, err = parseOutcome(*outcome); err != nil {
			return err
		}
	}

	runs, err := e.journal.List(opts)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOUTCOME\tPROGRAM\tLEAVES\tINDEX\tCHECKPOINT\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Outcome, short(r.ProgramDigest), len(r.Leaves), r.ExecIndex,
			r.Checkpoint, r.FinishedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func cmdCheckpoints(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	var o options
	o.register(fs, false)
	del := fs.String("delete", "", "Delete the checkpoint with this label")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("checkpoints needs a program (file or base58 digest)")
	}
	digest, err := programDigest(fs.Arg(0))
	if err != nil {
		return err
	}

	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	if *del != "" {
		if err := e.checkpoints.Delete(digest, *del); err != nil {
			return err
		}
		fmt.Printf("deleted checkpoint %s\n", *del)
		return nil
	}

	infos, err := e.checkpoints.List(digest)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tINDEX\tBYTES\tSAVED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			info.Label, info.ExecIndex, info.StoredBytes, info.SavedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func cmdGateServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gate-server", flag.ExitOnError)
	listen := fs.String("listen", ":7443", "Listen address")
	token := fs.String("token", "", "Require this x-token on every call")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logJSON := fs.Bool("log-json", false, "Log JSON instead of text")
	journalMode := fs.String("journal", logging.JournalAuto, "systemd journal logging: auto, on, off")
	fs.Parse(args)

	logger, err := logging.New(logging.Options{Level: *logLevel, JSON: *logJSON, Journal: *journalMode})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}

	var opts []grpc.ServerOption
	if *token != "" {
		opts = append(opts, remote.TokenAuth(os.ExpandEnv(*token)))
	}
	srv := remote.NewServer(gate.NewPlaintext(), nil, logger, opts...)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Stop()
	}()
	return srv.Serve(lis)
}

func cmdDashboard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	var o options
	o.register(fs, false)
	bind := fs.String("bind", "127.0.0.1", "Bind address")
	port := fs.Int("port", 8080, "Listen port")
	fs.Parse(args)

	e, err := o.open(fs)
	if err != nil {
		return err
	}
	defer e.close()

	cfg := dashboard.DefaultConfig()
	cfg.BindAddress = *bind
	cfg.Port = *port
	cfg.Logger = e.logger
	d, err := dashboard.New(cfg, e.journal, e.runner, e.checkpoints)
	if err != nil {
		return err
	}
	return d.Start(ctx)
}

func runID(fs *flag.FlagSet) (uint64, error) {
	if fs.NArg() != 1 {
		return 0, errors.New("expected a run ID")
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid run ID %q", fs.Arg(0))
	}
	return id, nil
}

// programDigest accepts a program file or a base58 digest.
func programDigest(s string) (types.Hash, error) {
	if _, err := os.Stat(s); err == nil {
		ops, err := program.ParseFile(s)
		if err != nil {
			return types.Hash{}, err
		}
		return program.Digest(ops), nil
	}
	return types.HashFromBase58(s)
}

func parseOutcome(s string) (journal.Outcome, error) {
	for _, o := range []journal.Outcome{journal.OutcomeKilled, journal.OutcomeHalted, journal.OutcomeFaulted} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown outcome %q", s)
}

func short(h types.Hash) string {
	s := h.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func printReport(rep *session.Report) {
	run := rep.Run
	res := rep.Result

	fmt.Printf("killed: %v\n", run.Outcome == journal.OutcomeKilled)
	fmt.Printf("halted: %v\n", run.Outcome == journal.OutcomeHalted)
	if res != nil {
		fmt.Printf("state:  %s\n", formatValue(res.State))
	}
	if run.Outcome == journal.OutcomeKilled {
		fmt.Printf("root:   %s\n", run.Root)
	}
	fmt.Printf("leaves: %d\n", len(run.Leaves))
	if run.ID != 0 {
		fmt.Printf("run:    %d\n", run.ID)
	}
	if run.Checkpoint != "" {
		fmt.Printf("checkpoint: %s\n", run.Checkpoint)
	}
}

func formatValue(v gate.Value) string {
	switch v := v.(type) {
	case nil:
		return "<unset>"
	case []bool:
		var b strings.Builder
		b.WriteString("bits:")
		for _, bit := range v {
			if bit {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
		return b.String()
	case []byte:
		return fmt.Sprintf("hex:%x", v)
	}
	return fmt.Sprint(v)
}
