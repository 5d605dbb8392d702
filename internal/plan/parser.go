package plan

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// knownStepFields are step directives, not actions.
var knownStepFields = map[string]bool{
	"name":          true,
	"register":      true,
	"expect_exit":   true,
	"ignore_errors": true,
}

var knownPlayFields = map[string]bool{
	"name":         true,
	"hosts":        true,
	"gather_facts": true,
	"steps":        true,
}

// ParseFile parses a plan from a YAML file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	return Parse(data, path)
}

// Parse parses a plan from YAML data. The document may be a single play or
// a list of plays.
func Parse(data []byte, path string) (*Plan, error) {
	var rawPlays []map[string]any
	if err := yaml.Unmarshal(data, &rawPlays); err != nil {
		// Try as single play
		var rawPlay map[string]any
		if err := yaml.Unmarshal(data, &rawPlay); err != nil {
			return nil, fmt.Errorf("invalid plan format: %w", err)
		}
		rawPlays = []map[string]any{rawPlay}
	}

	if len(rawPlays) == 0 {
		return nil, fmt.Errorf("plan has no plays")
	}

	p := &Plan{Path: path}

	for i, rawPlay := range rawPlays {
		play, err := parseRawPlay(rawPlay)
		if err != nil {
			return nil, fmt.Errorf("play %d: %w", i+1, err)
		}
		if err := play.Validate(); err != nil {
			return nil, fmt.Errorf("play %d: %w", i+1, err)
		}
		p.Plays = append(p.Plays, play)
	}

	return p, nil
}

// parseRawPlay parses a single play from a raw map.
func parseRawPlay(raw map[string]any) (*Play, error) {
	if err := checkKeys(raw, knownPlayFields); err != nil {
		return nil, err
	}

	play := &Play{}

	if v, ok := raw["name"].(string); ok {
		play.Name = v
	}
	if v, ok := raw["gather_facts"].(bool); ok {
		play.GatherFacts = v
	}

	// Parse hosts (can be a comma separated string or a list)
	switch h := raw["hosts"].(type) {
	case string:
		for _, name := range strings.Split(h, ",") {
			if name = strings.TrimSpace(name); name != "" {
				play.Hosts = append(play.Hosts, name)
			}
		}
	case []any:
		for _, item := range h {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("hosts must be strings")
			}
			play.Hosts = append(play.Hosts, name)
		}
	case nil:
	default:
		return nil, fmt.Errorf("hosts must be a string or a list")
	}

	if steps, ok := raw["steps"].([]any); ok {
		for i, rawStep := range steps {
			stepMap, ok := rawStep.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("step %d: invalid step format", i+1)
			}
			step, err := parseRawStep(stepMap)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			play.Steps = append(play.Steps, step)
		}
	}

	return play, nil
}

// parseRawStep parses a single step from a raw map.
func parseRawStep(raw map[string]any) (*Step, error) {
	step := &Step{}

	if v, ok := raw["name"].(string); ok {
		step.Name = v
	}
	if v, ok := raw["register"].(string); ok {
		step.Register = v
	}
	if v, ok := raw["expect_exit"].(int); ok {
		step.ExpectExit = v
	}
	if v, ok := raw["ignore_errors"].(bool); ok {
		step.IgnoreErrors = v
	}

	// Find the action - it's a key that's not a known step field
	for _, key := range sortedKeys(raw) {
		if knownStepFields[key] {
			continue
		}

		if step.Action != "" {
			return nil, fmt.Errorf("multiple actions specified: %s and %s", step.Action, key)
		}
		step.Action = key

		switch key {
		case ActionExec:
			cmd, ok := raw[key].(string)
			if !ok {
				return nil, fmt.Errorf("exec must be a command string")
			}
			step.Cmd = cmd

		case ActionPut, ActionFetch:
			params, ok := raw[key].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a map with 'src' and 'dest'", key)
			}
			if err := checkKeys(params, map[string]bool{"src": true, "dest": true}); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			step.Src, _ = params["src"].(string)
			step.Dest, _ = params["dest"].(string)

		default:
			return nil, fmt.Errorf("unknown action: %s", key)
		}
	}

	return step, nil
}

func checkKeys(raw map[string]any, known map[string]bool) error {
	for _, key := range sortedKeys(raw) {
		if !known[key] {
			return fmt.Errorf("unknown field: %s", key)
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
