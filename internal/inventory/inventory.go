// Package inventory loads the set of Qubes VMs qrun can address.
package inventory

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Inventory holds default connection settings and per-VM overrides.
type Inventory struct {
	// Path is the file path the inventory was loaded from.
	Path string `yaml:"-"`

	// Defaults apply to every VM, listed or not.
	Defaults Settings `yaml:"defaults"`

	// Targets lists known VMs.
	Targets []*Target `yaml:"targets"`
}

// Settings are the connection knobs that can be set globally or per VM.
type Settings struct {
	// User is the user inside the VM (default: user).
	User string `yaml:"user"`

	// Dispatcher is the path to qvm-run.
	Dispatcher string `yaml:"dispatcher"`

	// QuotePaths single-quotes remote paths in put/fetch commands.
	QuotePaths *bool `yaml:"quote_paths"`

	// Timeout bounds each operation, e.g. "30s". Empty means no limit.
	Timeout string `yaml:"timeout"`
}

// Target is a single VM entry.
type Target struct {
	// Name is the VM name passed to qvm-run.
	Name string `yaml:"name"`

	// Groups the VM belongs to.
	Groups []string `yaml:"groups"`

	Settings `yaml:",inline"`
}

// Host is the fully resolved connection configuration for one VM.
type Host struct {
	Name       string
	User       string
	Dispatcher string
	QuotePaths bool
	Timeout    time.Duration
}

// Load parses an inventory from a YAML file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}

	inv.Path = path
	return inv, nil
}

// Parse parses an inventory from YAML data.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("invalid inventory format: %w", err)
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return &inv, nil
}

// Validate checks the inventory for missing names, duplicates and bad durations.
func (inv *Inventory) Validate() error {
	if _, err := parseTimeout(inv.Defaults.Timeout); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	seen := make(map[string]bool)
	for i, t := range inv.Targets {
		if t == nil || t.Name == "" {
			return fmt.Errorf("target %d: 'name' is required", i+1)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %s: defined more than once", t.Name)
		}
		seen[t.Name] = true

		if _, err := parseTimeout(t.Timeout); err != nil {
			return fmt.Errorf("target %s: %w", t.Name, err)
		}
		for _, g := range t.Groups {
			if g == "all" {
				return fmt.Errorf("target %s: group name 'all' is reserved", t.Name)
			}
		}
	}

	return nil
}

// Resolve returns the connection settings for the named VM. VMs missing
// from the inventory get the defaults. A nil inventory resolves every VM to
// built-in defaults.
func (inv *Inventory) Resolve(name string) Host {
	h := Host{Name: name}
	if inv == nil {
		return h
	}

	apply(&h, inv.Defaults)
	if t := inv.find(name); t != nil {
		apply(&h, t.Settings)
	}

	return h
}

// Expand turns a list of VM names and group names into VM names. "all"
// matches every listed target, and nothing when there are none. Names that
// are neither a group nor "all" are passed through unchanged so unlisted VMs
// can still be addressed.
func (inv *Inventory) Expand(patterns []string) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, p := range patterns {
		members := inv.group(p)
		if len(members) == 0 {
			if p != "all" {
				add(p)
			}
			continue
		}
		for _, m := range members {
			add(m)
		}
	}

	return names
}

// Groups returns group names mapped to their members, sorted.
func (inv *Inventory) Groups() map[string][]string {
	groups := make(map[string][]string)
	if inv == nil {
		return groups
	}
	for _, t := range inv.Targets {
		for _, g := range t.Groups {
			groups[g] = append(groups[g], t.Name)
		}
	}
	for _, members := range groups {
		sort.Strings(members)
	}
	return groups
}

func (inv *Inventory) find(name string) *Target {
	for _, t := range inv.Targets {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (inv *Inventory) group(name string) []string {
	if inv == nil {
		return nil
	}

	var members []string
	for _, t := range inv.Targets {
		if name == "all" {
			members = append(members, t.Name)
			continue
		}
		for _, g := range t.Groups {
			if g == name {
				members = append(members, t.Name)
				break
			}
		}
	}
	return members
}

func apply(h *Host, s Settings) {
	if s.User != "" {
		h.User = s.User
	}
	if s.Dispatcher != "" {
		h.Dispatcher = s.Dispatcher
	}
	if s.QuotePaths != nil {
		h.QuotePaths = *s.QuotePaths
	}
	if d, err := parseTimeout(s.Timeout); err == nil && d > 0 {
		h.Timeout = d
	}
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", s)
	}
	return d, nil
}
