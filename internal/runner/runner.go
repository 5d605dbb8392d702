// Package runner executes plans against Qubes VMs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/qrun/internal/connector"
	"github.com/eugenetaranov/qrun/internal/connector/qubes"
	"github.com/eugenetaranov/qrun/internal/inventory"
	"github.com/eugenetaranov/qrun/internal/logging"
	"github.com/eugenetaranov/qrun/internal/output"
	"github.com/eugenetaranov/qrun/internal/plan"
	"github.com/eugenetaranov/qrun/pkg/facts"
)

// Step statuses.
const (
	StatusOK      = "ok"
	StatusChanged = "changed"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Dialer creates the connector for a host.
type Dialer func(h inventory.Host, log logrus.FieldLogger) connector.Connector

// Runner runs plans.
type Runner struct {
	// Output handles formatted output.
	Output *output.Output

	// Inventory resolves host names and groups. May be nil.
	Inventory *inventory.Inventory

	// Log receives dispatcher tracing.
	Log logrus.FieldLogger

	// DryRun only shows what would be done without making changes.
	DryRun bool

	// Forks is the number of hosts handled in parallel (default: 1).
	Forks int

	// Resolve returns the settings for a VM name. Defaults to
	// Inventory.Resolve. The same host is used for dialing and for the
	// {{ host }} and {{ user }} variables.
	Resolve func(name string) inventory.Host

	// Dial creates connectors. Defaults to NewConnector.
	Dial Dialer
}

// New creates a new runner.
func New(inv *inventory.Inventory) *Runner {
	return &Runner{
		Output:    output.New(os.Stdout),
		Inventory: inv,
		Log:       logging.Discard(),
		Forks:     1,
		Dial: func(h inventory.Host, log logrus.FieldLogger) connector.Connector {
			return NewConnector(h, log)
		},
	}
}

// NewConnector builds a Qubes connector from resolved host settings.
func NewConnector(h inventory.Host, log logrus.FieldLogger) *qubes.Connector {
	opts := []qubes.Option{
		qubes.WithUser(h.User),
		qubes.WithDispatcher(h.Dispatcher),
		qubes.WithLogger(log),
		qubes.WithTimeout(h.Timeout),
	}
	if h.QuotePaths {
		opts = append(opts, qubes.WithQuotedPaths())
	}
	return qubes.New(h.Name, opts...)
}

// RunResult holds the result of a plan run.
type RunResult struct {
	// Success is true if all plays completed on every host.
	Success bool

	// Stats holds execution statistics.
	Stats *Stats
}

// Stats holds execution statistics. Counters are updated from the host
// goroutines.
type Stats struct {
	mu sync.Mutex

	Plays     int
	Steps     int
	OK        int
	Changed   int
	Failed    int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

func (s *Stats) record(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Steps++
	switch {
	case strings.HasPrefix(status, StatusOK):
		s.OK++
	case strings.HasPrefix(status, StatusChanged):
		s.Changed++
	case strings.HasPrefix(status, StatusSkipped):
		s.Skipped++
	case strings.HasPrefix(status, StatusFailed):
		s.Failed++
	}
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { s.mu.Lock(); defer s.mu.Unlock(); return s.OK }

// GetChanged returns the Changed count (implements output.Stats).
func (s *Stats) GetChanged() int { s.mu.Lock(); defer s.mu.Unlock(); return s.Changed }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { s.mu.Lock(); defer s.mu.Unlock(); return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { s.mu.Lock(); defer s.mu.Unlock(); return s.Skipped }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

// CommandError reports an exec step whose exit code was not the expected one.
type CommandError struct {
	Cmd      string
	ExitCode int
	Expected int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command exited with code %d (expected %d): %s", e.ExitCode, e.Expected, e.Cmd)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", strings.TrimSpace(e.Stderr))
	}
	return msg
}

// Run executes a plan.
func (r *Runner) Run(ctx context.Context, p *plan.Plan) (*RunResult, error) {
	stats := &Stats{
		StartTime: time.Now(),
		Plays:     len(p.Plays),
	}

	result := &RunResult{
		Success: true,
		Stats:   stats,
	}

	log := r.Log.WithField("run_id", uuid.NewString())
	log.Infof("running plan %s", p.Path)

	r.Output.PlanStart(p.Path)

	for _, play := range p.Plays {
		if err := r.runPlay(ctx, log, play, stats); err != nil {
			result.Success = false
			r.Output.Error("Play failed: %v", err)
			break
		}
	}

	stats.EndTime = time.Now()
	r.Output.PlanEnd(stats)

	return result, nil
}

// runPlay runs a play on all of its hosts. A failing host does not stop
// the others.
func (r *Runner) runPlay(ctx context.Context, log logrus.FieldLogger, play *plan.Play, stats *Stats) error {
	r.Output.PlayStart(play.Name, play.Hosts)

	hosts := r.Inventory.Expand(play.Hosts)

	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	g.SetLimit(r.forks())

	for _, name := range hosts {
		h := r.resolve(name)
		g.Go(func() error {
			if err := r.runHost(ctx, log.WithField("vm", h.Name), play, h, stats); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// runHost runs every step of the play on one VM with its own connector.
func (r *Runner) runHost(ctx context.Context, log logrus.FieldLogger, play *plan.Play, h inventory.Host, stats *Stats) error {
	conn := r.Dial(h, log)

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	user := h.User
	if user == "" {
		user = qubes.DefaultUser
	}
	vars := map[string]string{
		"host": h.Name,
		"user": user,
	}

	if play.GatherFacts {
		f, err := facts.Gather(ctx, conn)
		if err != nil {
			stats.record(StatusFailed)
			r.Output.StepResult(h.Name, "Gathering Facts", StatusFailed, err.Error())
			return err
		}
		for k, v := range f {
			if s, ok := v.(string); ok {
				vars["facts_"+k] = s
			}
		}
		stats.record(StatusOK)
		r.Output.StepResult(h.Name, "Gathering Facts", StatusOK, "")
	}

	for _, step := range play.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, message, err := r.runStep(ctx, conn, step, vars)
		if err != nil {
			if !step.IgnoreErrors {
				stats.record(StatusFailed)
				r.Output.StepResult(h.Name, step.String(), StatusFailed, err.Error())
				return fmt.Errorf("%s: %w", step.String(), err)
			}
			status, message = StatusFailed+" (ignored)", err.Error()
		}

		stats.record(status)
		r.Output.StepResult(h.Name, step.String(), status, message)
	}

	return nil
}

// runStep performs a single step and returns its status and a message.
func (r *Runner) runStep(ctx context.Context, conn connector.Connector, step *plan.Step, vars map[string]string) (string, string, error) {
	s, err := step.Render(vars)
	if err != nil {
		return "", "", err
	}

	if r.DryRun {
		if s.Register != "" {
			vars[s.Register] = "<" + s.Register + ">"
		}
		return StatusSkipped + " (dry run)", "", nil
	}

	switch s.Action {
	case plan.ActionExec:
		res, err := conn.Execute(ctx, s.Cmd)
		if err != nil {
			return "", "", err
		}
		stdout := strings.TrimSpace(string(res.Stdout))
		if res.ExitCode != s.ExpectExit {
			return "", "", &CommandError{
				Cmd:      s.Cmd,
				ExitCode: res.ExitCode,
				Expected: s.ExpectExit,
				Stdout:   stdout,
				Stderr:   string(res.Stderr),
			}
		}
		if s.Register != "" {
			vars[s.Register] = stdout
		}
		return StatusChanged, stdout, nil

	case plan.ActionPut:
		if err := conn.Put(ctx, s.Src, s.Dest); err != nil {
			return "", "", err
		}
		return StatusChanged, fmt.Sprintf("%s -> %s", s.Src, s.Dest), nil

	case plan.ActionFetch:
		if err := os.MkdirAll(filepath.Dir(s.Dest), 0o755); err != nil {
			return "", "", fmt.Errorf("failed to create directory for %s: %w", s.Dest, err)
		}
		if err := conn.Fetch(ctx, s.Src, s.Dest); err != nil {
			return "", "", err
		}
		return StatusChanged, fmt.Sprintf("%s -> %s", s.Src, s.Dest), nil

	default:
		return "", "", fmt.Errorf("unknown action: %s", s.Action)
	}
}

func (r *Runner) resolve(name string) inventory.Host {
	if r.Resolve != nil {
		return r.Resolve(name)
	}
	return r.Inventory.Resolve(name)
}

func (r *Runner) forks() int {
	if r.Forks < 1 {
		return 1
	}
	return r.Forks
}
