package inventory

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const sample = `
defaults:
  dispatcher: /usr/bin/qvm-run
  timeout: 30s
targets:
  - name: work
    groups: [dev]
  - name: vault
    user: alice
    quote_paths: true
    timeout: 5s
  - name: build
    groups: [dev, ci]
    dispatcher: /opt/qvm-run
`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{name: "sample", yaml: sample},
		{name: "empty", yaml: ``},
		{name: "defaults only", yaml: "defaults:\n  user: root\n"},
		{name: "invalid yaml", yaml: `{{{invalid`, wantErr: true},
		{name: "missing name", yaml: "targets:\n  - user: alice\n", wantErr: true},
		{name: "duplicate", yaml: "targets:\n  - name: a\n  - name: a\n", wantErr: true},
		{name: "bad timeout", yaml: "targets:\n  - name: a\n    timeout: soon\n", wantErr: true},
		{name: "negative timeout", yaml: "defaults:\n  timeout: -1s\n", wantErr: true},
		{name: "reserved group", yaml: "targets:\n  - name: a\n    groups: [all]\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	inv, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		vm   string
		want Host
	}{
		{"work", Host{Name: "work", Dispatcher: "/usr/bin/qvm-run", Timeout: 30 * time.Second}},
		{"vault", Host{Name: "vault", User: "alice", Dispatcher: "/usr/bin/qvm-run", QuotePaths: true, Timeout: 5 * time.Second}},
		{"build", Host{Name: "build", Dispatcher: "/opt/qvm-run", Timeout: 30 * time.Second}},
		{"unlisted", Host{Name: "unlisted", Dispatcher: "/usr/bin/qvm-run", Timeout: 30 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.vm, func(t *testing.T) {
			if got := inv.Resolve(tt.vm); got != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.vm, got, tt.want)
			}
		})
	}
}

func TestResolveNilInventory(t *testing.T) {
	var inv *Inventory
	if got := inv.Resolve("work"); got != (Host{Name: "work"}) {
		t.Errorf("unexpected host: %+v", got)
	}
}

func TestExpand(t *testing.T) {
	inv, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"single vm", []string{"vault"}, []string{"vault"}},
		{"group", []string{"dev"}, []string{"work", "build"}},
		{"all", []string{"all"}, []string{"work", "vault", "build"}},
		{"dedup", []string{"ci", "dev", "build"}, []string{"build", "work"}},
		{"unlisted", []string{"sys-net"}, []string{"sys-net"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inv.Expand(tt.patterns); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expand(%v) = %v, want %v", tt.patterns, got, tt.want)
			}
		})
	}
}

func TestExpandAllWithoutTargets(t *testing.T) {
	var none *Inventory
	if got := none.Expand([]string{"all"}); len(got) != 0 {
		t.Errorf("nil inventory: Expand(all) = %v, want none", got)
	}

	empty, err := Parse([]byte("defaults:\n  user: alice\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := empty.Expand([]string{"all"}); len(got) != 0 {
		t.Errorf("empty inventory: Expand(all) = %v, want none", got)
	}
	if got := empty.Expand([]string{"all", "work"}); !reflect.DeepEqual(got, []string{"work"}) {
		t.Errorf("Expand(all, work) = %v, want [work]", got)
	}
}

func TestGroups(t *testing.T) {
	inv, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := map[string][]string{
		"dev": {"build", "work"},
		"ci":  {"build"},
	}
	if got := inv.Groups(); !reflect.DeepEqual(got, want) {
		t.Errorf("Groups() = %v, want %v", got, want)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	inv, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Path != path {
		t.Errorf("Path = %q, want %q", inv.Path, path)
	}
	if len(inv.Targets) != 3 {
		t.Errorf("expected 3 targets, got %d", len(inv.Targets))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
