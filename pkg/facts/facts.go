// Package facts gathers system information from Qubes VMs.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/qrun/internal/connector"
)

// osReleasePrefix marks /etc/os-release lines in the probe output.
const osReleasePrefix = "os_release."

// probe prints one key=value line per fact. It runs as a single command so
// gathering costs one dispatcher invocation instead of one per fact.
var probe = strings.Join([]string{
	`printf 'os_type=%s\n' "$(uname -s)"`,
	`printf 'kernel=%s\n' "$(uname -r)"`,
	`printf 'architecture=%s\n' "$(uname -m)"`,
	`printf 'hostname=%s\n' "$(hostname 2>/dev/null || cat /etc/hostname)"`,
	`printf 'user=%s\n' "$(id -un)"`,
	`printf 'home=%s\n' "$HOME"`,
	`printf 'qubes_name=%s\n' "$(qubesdb-read /name 2>/dev/null)"`,
	`printf 'qubes_type=%s\n' "$(qubesdb-read /qubes-vm-type 2>/dev/null)"`,
	`sed 's/^/` + osReleasePrefix + `/' /etc/os-release 2>/dev/null`,
	`exit 0`,
}, "; ")

// Gather collects system facts from the target.
func Gather(ctx context.Context, conn connector.Connector) (map[string]any, error) {
	result, err := conn.Execute(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("failed to gather facts: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("fact probe exited with code %d: %s", result.ExitCode, strings.TrimSpace(string(result.Stderr)))
	}

	return parse(string(result.Stdout)), nil
}

// parse turns probe output into facts. Empty values are dropped.
func parse(output string) map[string]any {
	facts := make(map[string]any)
	osRelease := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key, value := line[:idx], strings.TrimSpace(line[idx+1:])

		if strings.HasPrefix(key, osReleasePrefix) {
			osRelease[strings.TrimPrefix(key, osReleasePrefix)] = strings.Trim(value, "\"'")
			continue
		}
		if value != "" {
			facts[key] = value
		}
	}

	if arch, ok := facts["architecture"].(string); ok {
		facts["arch"] = normalizeArch(arch)
	}

	if id, ok := osRelease["ID"]; ok {
		facts["distribution"] = id
		if family := osFamily(id); family != "" {
			facts["os_family"] = family
		}
	}
	if version, ok := osRelease["VERSION_ID"]; ok {
		facts["distribution_version"] = version
	}
	if name, ok := osRelease["PRETTY_NAME"]; ok {
		facts["os_name"] = name
	}

	return facts
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return arch
	}
}

// osFamily maps the distributions Qubes ships templates for.
func osFamily(id string) string {
	switch id {
	case "debian", "ubuntu", "whonix", "kali":
		return "Debian"
	case "fedora", "centos", "rhel":
		return "RedHat"
	case "arch":
		return "Arch"
	case "gentoo":
		return "Gentoo"
	default:
		return ""
	}
}
