// Package main is the entrypoint for the qrun CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/qrun/internal/connector/qubes"
	"github.com/eugenetaranov/qrun/internal/inventory"
	"github.com/eugenetaranov/qrun/internal/logging"
	"github.com/eugenetaranov/qrun/internal/plan"
	"github.com/eugenetaranov/qrun/internal/runner"
	"github.com/eugenetaranov/qrun/pkg/facts"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug         bool
	noColor       bool
	logFormat     string
	logLevel      string
	inventoryPath string
	remoteUser    string
	dispatcher    string
	timeout       time.Duration
	quotePaths    bool
)

// exitCodeError carries a remote exit code out to main.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "qrun",
	Short: "qrun - run commands and copy files in Qubes VMs",
	Long: `qrun drives Qubes OS VMs from dom0 through qvm-run.

It runs commands, pushes and pulls files, and applies simple YAML plans
to one or many VMs. Every operation is a single qvm-run invocation.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output and dispatcher tracing")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "Inventory file")
	rootCmd.PersistentFlags().StringVarP(&remoteUser, "user", "u", "", "User inside the VM (default: user)")
	rootCmd.PersistentFlags().StringVar(&dispatcher, "dispatcher", "", "Path to qvm-run (default: qvm-run)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-operation timeout, 0 for none")
	rootCmd.PersistentFlags().BoolVar(&quotePaths, "quote-paths", false, "Shell-quote remote paths in put and fetch")

	// Add subcommands
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(hostsCmd)
}

// newLogger builds the logger from global flags. Logs go to stderr so they
// never mix with command output.
func newLogger() (*logrus.Logger, error) {
	level := logLevel
	if level == "" && debug {
		level = "debug"
	}
	return logging.New(logging.Options{
		Level:  level,
		Format: logFormat,
		Output: os.Stderr,
	})
}

func loadInventory() (*inventory.Inventory, error) {
	if inventoryPath == "" {
		return nil, nil
	}
	return inventory.Load(inventoryPath)
}

// resolveHost applies command line overrides on top of the inventory.
func resolveHost(inv *inventory.Inventory, name string) inventory.Host {
	h := inv.Resolve(name)
	if remoteUser != "" {
		h.User = remoteUser
	}
	if dispatcher != "" {
		h.Dispatcher = dispatcher
	}
	if timeout > 0 {
		h.Timeout = timeout
	}
	if quotePaths {
		h.QuotePaths = true
	}
	return h
}

// connect resolves the VM and returns a connected connector.
func connect(ctx context.Context, vm string) (*qubes.Connector, error) {
	inv, err := loadInventory()
	if err != nil {
		return nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	conn := runner.NewConnector(resolveHost(inv, vm), log)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// execCmd runs a shell command in a VM
var execCmd = &cobra.Command{
	Use:   "exec <vm> <command...>",
	Short: "Run a command in a VM",
	Long: `Run a shell command in a VM through qubes.VMShell.

Output is passed through unchanged and qrun exits with the remote exit code.

Examples:
  qrun exec work uname -a
  qrun exec -u root sys-net 'ip addr'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	// Everything after <vm> belongs to the remote command.
	execCmd.Flags().SetInterspersed(false)
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	conn, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	result, err := conn.Execute(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	os.Stdout.Write(result.Stdout)
	os.Stderr.Write(result.Stderr)

	if result.ExitCode != 0 {
		return &exitCodeError{code: result.ExitCode}
	}
	return nil
}

// putCmd copies a local file into a VM
var putCmd = &cobra.Command{
	Use:   "put <vm> <local> <remote>",
	Short: "Copy a local file into a VM",
	Long: `Copy a local file into a VM.

The file is written through qubes.VMRootShell, falling back to
qubes.VMShell when the VM does not provide the root service.

Examples:
  qrun put work ./motd /etc/motd`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		conn, err := connect(ctx, args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		return conn.Put(ctx, args[1], args[2])
	},
}

// fetchCmd copies a file out of a VM
var fetchCmd = &cobra.Command{
	Use:   "fetch <vm> <remote> <local>",
	Short: "Copy a file out of a VM",
	Long: `Copy a file out of a VM into a local file.

The local file is created or truncated and written as data arrives. On
failure it is left with whatever was received.

Examples:
  qrun fetch work /etc/hostname ./hostname`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		conn, err := connect(ctx, args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		return conn.Fetch(ctx, args[1], args[2])
	},
}

// factsCmd prints facts about a VM
var factsCmd = &cobra.Command{
	Use:   "facts <vm>",
	Short: "Print facts about a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		conn, err := connect(ctx, args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		f, err := facts.Gather(ctx, conn)
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode facts: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

// runCmd executes a plan
var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a plan",
	Long: `Execute a plan against its VMs.

Examples:
  qrun run setup.yaml
  qrun run setup.yaml -i inventory.yaml --forks 4
  qrun run setup.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().IntP("forks", "f", 1, "Number of VMs handled in parallel")
	runCmd.Flags().BoolP("dry-run", "n", false, "Show what would be done without making changes")
}

func runPlan(cmd *cobra.Command, args []string) error {
	planPath := args[0]

	// Check if file exists
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		return fmt.Errorf("plan not found: %s", planPath)
	}

	p, err := plan.ParseFile(planPath)
	if err != nil {
		return fmt.Errorf("failed to parse plan: %w", err)
	}

	inv, err := loadInventory()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}

	forks, _ := cmd.Flags().GetInt("forks")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	r := runner.New(inv)
	r.Log = log
	r.Forks = forks
	r.DryRun = dryRun
	r.Output.SetDebug(debug)
	if noColor {
		r.Output.SetColor(false)
	}
	r.Resolve = func(name string) inventory.Host {
		return resolveHost(inv, name)
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := r.Run(ctx, p)
	if err != nil {
		return err
	}

	if !result.Success {
		return &exitCodeError{code: 2}
	}

	return nil
}

// validateCmd validates plans without running them
var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml> [plan2.yaml ...]",
	Short: "Validate one or more plans",
	Long: `Parse and validate plans without executing them.

This checks for:
  - Valid YAML syntax
  - Required fields (hosts, steps)
  - Exactly one action per step

Examples:
  qrun validate setup.yaml
  qrun validate *.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var hasErrors bool

		for _, planPath := range args {
			if _, err := plan.ParseFile(planPath); err != nil {
				fmt.Printf("FAIL: %s - %v\n", planPath, err)
				hasErrors = true
			} else {
				fmt.Printf("OK: %s\n", planPath)
			}
		}

		if hasErrors {
			return fmt.Errorf("one or more plans failed validation")
		}

		fmt.Printf("\nAll %d plan(s) valid.\n", len(args))
		return nil
	},
}

// hostsCmd lists inventory VMs
var hostsCmd = &cobra.Command{
	Use:   "hosts [pattern...]",
	Short: "List VMs from the inventory",
	Long: `List the VMs a set of names or groups expands to, with their
resolved settings. Without arguments all inventory VMs are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := loadInventory()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			args = []string{"all"}
		}

		names := inv.Expand(args)
		if len(names) == 0 {
			fmt.Println("No hosts matched.")
			return nil
		}

		for _, name := range names {
			h := resolveHost(inv, name)
			user := h.User
			if user == "" {
				user = qubes.DefaultUser
			}
			fmt.Printf("  - %s (user: %s", h.Name, user)
			if h.Timeout > 0 {
				fmt.Printf(", timeout: %s", h.Timeout)
			}
			fmt.Println(")")
		}

		groups := inv.Groups()
		if len(groups) > 0 {
			fmt.Println()
			fmt.Println("Groups:")
			keys := make([]string, 0, len(groups))
			for g := range groups {
				keys = append(keys, g)
			}
			sort.Strings(keys)
			for _, g := range keys {
				fmt.Printf("  %s: %s\n", g, strings.Join(groups[g], ", "))
			}
		}

		return nil
	},
}
