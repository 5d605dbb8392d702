// Package plan defines the structure and parsing of qrun plans.
package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// Step actions.
const (
	ActionExec  = "exec"
	ActionPut   = "put"
	ActionFetch = "fetch"
)

// Plan represents a complete plan with one or more plays.
type Plan struct {
	// Path is the file path the plan was loaded from.
	Path string

	// Plays is the list of plays in the plan.
	Plays []*Play
}

// Play runs a list of steps against a set of VMs.
type Play struct {
	// Name is an optional description of the play.
	Name string

	// Hosts lists VM names or inventory groups.
	Hosts []string

	// GatherFacts controls whether to gather VM facts (default: false).
	GatherFacts bool

	// Steps are executed in order on every host.
	Steps []*Step
}

// Step is a single action against one VM.
type Step struct {
	// Name is a description of the step.
	Name string

	// Action is one of exec, put or fetch.
	Action string

	// Cmd is the command for exec steps.
	Cmd string

	// Src and Dest are the paths for put and fetch steps. For put Src is
	// local; for fetch Src is inside the VM.
	Src  string
	Dest string

	// Register stores the trimmed stdout of an exec step under this name.
	Register string

	// ExpectExit is the exit code an exec step must return (default: 0).
	ExpectExit int

	// IgnoreErrors continues with the next step if this one fails.
	IgnoreErrors bool
}

// Validate checks the play for common errors.
func (p *Play) Validate() error {
	if len(p.Hosts) == 0 {
		return fmt.Errorf("play is missing required 'hosts' field")
	}

	if len(p.Steps) == 0 {
		return fmt.Errorf("play has no steps")
	}

	for i, step := range p.Steps {
		if err := step.Validate(); err != nil {
			stepName := step.Name
			if stepName == "" {
				stepName = fmt.Sprintf("step %d", i+1)
			}
			return fmt.Errorf("%s: %w", stepName, err)
		}
	}

	return nil
}

// Validate checks the step for common errors.
func (s *Step) Validate() error {
	switch s.Action {
	case ActionExec:
		if strings.TrimSpace(s.Cmd) == "" {
			return fmt.Errorf("exec requires a command")
		}
		if s.Src != "" || s.Dest != "" {
			return fmt.Errorf("exec does not take src or dest")
		}
	case ActionPut, ActionFetch:
		if s.Src == "" || s.Dest == "" {
			return fmt.Errorf("%s requires both 'src' and 'dest'", s.Action)
		}
		if s.Register != "" {
			return fmt.Errorf("register is only supported for exec")
		}
	case "":
		return fmt.Errorf("step has no action (expected exec, put or fetch)")
	default:
		return fmt.Errorf("unknown action: %s", s.Action)
	}

	if s.ExpectExit < 0 || s.ExpectExit > 255 {
		return fmt.Errorf("expect_exit must be between 0 and 255")
	}

	return nil
}

// String returns a human-readable description of the step.
func (s *Step) String() string {
	if s.Name != "" {
		return s.Name
	}

	switch s.Action {
	case ActionExec:
		cmd := s.Cmd
		if r := []rune(cmd); len(r) > 40 {
			cmd = string(r[:37]) + "..."
		}
		return fmt.Sprintf("exec: %s", cmd)
	default:
		return fmt.Sprintf("%s: %s -> %s", s.Action, s.Src, s.Dest)
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render returns a copy of the step with {{ name }} placeholders in its
// command and paths replaced from vars. Unknown names are an error.
func (s *Step) Render(vars map[string]string) (*Step, error) {
	out := *s

	var err error
	for _, field := range []*string{&out.Cmd, &out.Src, &out.Dest} {
		if *field, err = interpolate(*field, vars); err != nil {
			return nil, err
		}
	}

	return &out, nil
}

func interpolate(s string, vars map[string]string) (string, error) {
	var missing []string

	result := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable: %s", strings.Join(missing, ", "))
	}
	return result, nil
}
