// Package logging builds the process logger: a text or JSON handler on the
// terminal fanned out with the systemd journal when it is available.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// Journal modes.
const (
	JournalAuto = "auto"
	JournalOn   = "on"
	JournalOff  = "off"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string

	// JSON selects the JSON terminal handler instead of text.
	JSON bool

	// Journal is auto, on or off. Auto logs to the journal always and skips
	// the terminal when running as a systemd service.
	Journal string

	// Writer is the terminal destination. Defaults to os.Stderr.
	Writer io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Level:   "info",
		Journal: JournalAuto,
		Writer:  os.Stderr,
	}
}

// ParseLevel parses a level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// New builds a logger from opts.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	var handlers []slog.Handler

	useTerminal := true
	switch opts.Journal {
	case JournalAuto, "":
		useTerminal = !isSystemdService()
	case JournalOn, JournalOff:
	default:
		return nil, fmt.Errorf("invalid journal mode %q", opts.Journal)
	}

	// local
	var terminalHandler slog.Handler
	if useTerminal {
		hopts := &slog.HandlerOptions{Level: level}
		if opts.JSON {
			terminalHandler = slog.NewJSONHandler(writer, hopts)
		} else {
			terminalHandler = slog.NewTextHandler(writer, hopts)
		}
		handlers = append(handlers, terminalHandler)
	}

	// systemd journal
	if opts.Journal != JournalOff {
		journalHandler, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		switch {
		case err == nil:
			handlers = append(handlers, journalHandler)
		case opts.Journal == JournalOn:
			return nil, fmt.Errorf("systemd journal: %w", err)
		case terminalHandler != nil:
			record := slog.NewRecord(time.Now(), slog.LevelDebug, "systemd journal unavailable", 0)
			record.Add("error", err)
			_ = terminalHandler.Handle(context.Background(), record)
		}
	}

	if len(handlers) == 0 {
		return slog.New(slog.DiscardHandler), nil
	}
	return slog.New(&Handler{Handler: slogmulti.Fanout(handlers...)}), nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
