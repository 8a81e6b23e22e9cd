package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/patchgate"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, failColor.Sprint("error:"), err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	c := command{api: apiFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createHealthCommand(c, apiFlags),
		createStatusCommand(c, apiFlags),
		createPauseCommand(c, apiFlags, true),
		createPauseCommand(c, apiFlags, false),
		createPatchCommand(c, apiFlags),
		createStageCommand(c, apiFlags),
		createHashTokenCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "patchgate",
		Short: "Pausable patch apply and rollback agent",
		Long: `Patchgate runs a pausable work loop and a patch control plane.
Patches are submitted while the agent is paused, applied through a hook
and rolled back on failure. Every transition is written to an audit log.

Examples:
  patchgate serve config.toml          # Start the agent
  patchgate pause                      # Pause the work loop
  patchgate patch submit --id p1 --summary "fix" --author me --artifact ./p1.diff
  patchgate patch apply p1
  patchgate patch audit -o yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the patchgate agent",
		Long: `Start the agent: the work loop, the HTTP API and, when enabled, the
metrics listener. Configuration comes from the TOML file and PATCHGATE_*
environment variables.

Examples:
  patchgate serve                       # Defaults and environment only
  patchgate serve config.toml
  patchgate serve --daemonize --pidfile /run/patchgate.pid --logfile /var/log/patchgate.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(cmd, serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the agent PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServeCommand(cmd *cobra.Command, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := patchgate.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		pid, err := daemonize(flags.PidFile, flags.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Daemon started with PID %d\n", pid)
		return nil
	}

	closer, err := cfg.Log.Install()
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	if err := checkPidFile(flags.PidFile); err != nil {
		return err
	}
	if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = removePidFile(flags.PidFile) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveAgent(ctx, cfg)
}

// serveAgent runs the work loop, the API server and the metrics listener
// until ctx is cancelled or one of them fails.
func serveAgent(ctx context.Context, cfg *patchgate.Config) error {
	agent, err := patchgate.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			slog.Error("Agent close failed", "error", err)
		}
	}()

	srv, err := agent.NewHTTPServer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error { return patchgate.Serve(gctx, srv) })

	if cfg.Metrics.Enabled {
		if err := patchgate.RegisterMetricsDefault(); err != nil {
			slog.Warn("Metrics registration failed", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			g.Go(func() error { return patchgate.ServeMetrics(gctx, cfg.Metrics.Listen) })
			slog.Info("Serving metrics", "listen", cfg.Metrics.Listen)
		}
	}

	slog.Info("Patchgate agent started",
		"listen", srv.Addr,
		"base_path", cfg.Server.BasePath,
		"tls", srv.TLSConfig != nil,
		"patch_dir", cfg.Runtime.PatchDir,
		"audit", agent.AuditPath())
	err = g.Wait()
	slog.Info("Patchgate agent stopped")
	return err
}

func createHealthCommand(c command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the agent answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context(), c.printer(cmd))
		},
	}
	bindAPIFlags(cmd, f)
	return cmd
}

func createStatusCommand(c command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent's runtime snapshot",
		Long: `Show loop state, the last plan and execution, and pending and applied patches.

Examples:
  patchgate status
  patchgate status --api-url=http://remote:8080/api -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), c.printer(cmd))
		},
	}
	bindAPIFlags(cmd, f)
	return cmd
}

func createPauseCommand(c command, f *APIFlags, pause bool) *cobra.Command {
	use, short := "resume", "Resume the agent's work loop"
	if pause {
		use, short = "pause", "Pause the agent's work loop so patches can be submitted"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SetPaused(cmd.Context(), c.printer(cmd), pause)
		},
	}
	bindAPIFlags(cmd, f)
	return cmd
}

// createPatchCommand groups the patch lifecycle subcommands.
func createPatchCommand(c command, f *APIFlags) *cobra.Command {
	patchCmd := &cobra.Command{
		Use:   "patch",
		Short: "Submit, inspect, apply and roll back patches",
	}
	bindAPIFlags(patchCmd, f)

	submitFlags := &SubmitFlags{}
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Queue a patch (the agent must be paused)",
		Long: `Queue a patch for apply. The artifact may be a local path or a file:// URI.

Examples:
  patchgate patch submit --id fix-42 --summary "Fix typo" --author alice --artifact ./fix-42.diff`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Submit(cmd.Context(), c.printer(cmd), *submitFlags)
		},
	}
	submit.Flags().StringVar(&submitFlags.PatchID, "id", "", "patch id (required)")
	submit.Flags().StringVar(&submitFlags.Summary, "summary", "", "one-line summary (required)")
	submit.Flags().StringVar(&submitFlags.Author, "author", "", "patch author (required)")
	submit.Flags().StringVar(&submitFlags.Artifact, "artifact", "", "diff path or file:// URI (required)")
	submit.Flags().StringVar(&submitFlags.CreatedAt, "created-at", "", "creation timestamp (default now, RFC 3339)")
	submit.Flags().StringVar(&submitFlags.TestReportURI, "test-report", "", "URI of the test report")
	submit.Flags().StringVar(&submitFlags.Notes, "notes", "", "free-form notes")
	for _, name := range []string{"id", "summary", "author", "artifact"} {
		if err := submit.MarkFlagRequired(name); err != nil {
			panic(err) // This should never happen during setup
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending patches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), c.printer(cmd))
		},
	}
	get := &cobra.Command{
		Use:   "get <patch-id>",
		Short: "Show one pending patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Get(cmd.Context(), c.printer(cmd), args[0])
		},
	}
	applied := &cobra.Command{
		Use:   "applied",
		Short: "List patches applied since the agent started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Applied(cmd.Context(), c.printer(cmd))
		},
	}
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Audit(cmd.Context(), c.printer(cmd))
		},
	}
	apply := &cobra.Command{
		Use:   "apply <patch-id>",
		Short: "Apply a pending patch (the agent must be paused)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Apply(cmd.Context(), c.printer(cmd), args[0])
		},
	}
	rollback := &cobra.Command{
		Use:   "rollback <patch-id>",
		Short: "Roll back a pending patch (the agent must be paused)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Rollback(cmd.Context(), c.printer(cmd), args[0])
		},
	}

	patchCmd.AddCommand(submit, list, get, applied, audit, apply, rollback)
	return patchCmd
}

func createStageCommand(c command, f *APIFlags) *cobra.Command {
	stageFlags := &StageFlags{}
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Generate a note patch for a file and push it through the agent",
		Long: `Build a diff that appends a timestamped note to --target, then pause the
agent, submit the diff, apply it and optionally resume.

Examples:
  patchgate stage --target docs/OVERVIEW.md --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stage(cmd.Context(), c.printer(cmd), *stageFlags)
		},
	}
	bindAPIFlags(cmd, f)
	cmd.Flags().StringVar(&stageFlags.Target, "target", "", "file to append the note to (required)")
	cmd.Flags().StringVar(&stageFlags.PatchID, "id", "", "patch id (default auto-<unix time>)")
	cmd.Flags().StringVar(&stageFlags.Author, "author", "", "patch author (default staging-worker)")
	cmd.Flags().StringVar(&stageFlags.Notes, "notes", "", "patch notes (default auto-generated)")
	cmd.Flags().BoolVar(&stageFlags.Resume, "resume", false, "resume the agent after applying")
	if err := cmd.MarkFlagRequired("target"); err != nil {
		panic(err)
	}
	return cmd
}

func createHashTokenCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of an API token for [server.auth]",
		Long: `Print the bcrypt hash of an API token so the agent config can store
token_hash instead of the plain token.

Examples:
  patchgate hash-token "$(openssl rand -hex 32)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return HashToken(printer{out: cmd.OutOrStdout(), format: output}, args[0])
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}
