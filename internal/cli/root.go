package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"trimorph/internal/config"
	"trimorph/internal/daemon"
	"trimorph/internal/jail"
	"trimorph/internal/logging"
	"trimorph/internal/paths"
	"trimorph/internal/settings"
	"trimorph/internal/state"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version is the trimorph release.
	Version = "0.1.0"

	// global flags
	// rootDir relocates every trimorph path under a prefix
	// default: $TRIMORPH_ROOT, or the standard absolute layout
	rootDir   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "trimorph",
	Short: "Run foreign package managers in overlay jails",
	Long: `Trimorph installs local package files with the host's native package
manager and runs other distributions' package managers inside lightweight
overlay jails.

Jails are declared in /etc/trimorph/jails.d/*.conf. A daemon (trimorph daemon)
serializes jail operations; without it, start/stop/list act directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

// ExitError carries a child's exit code through cobra.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Execute runs the root command and exits with the right status.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

// exitWith turns a child's exit code into the command result.
func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	if code < 0 {
		code = 1
	}
	return &ExitError{Code: code}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(autoUpdateCmd)
	rootCmd.AddCommand(setupAutoUpdateCmd)
	rootCmd.AddCommand(installLocalCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(supportedFormatsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(reloadCmd)

	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "",
		"prefix for all trimorph paths (default: $TRIMORPH_ROOT or /)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error (default from trimorph.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format: text or json (default from trimorph.yaml)")
}

// env is what every command needs: the layout, the settings and a logger.
type env struct {
	layout   paths.Layout
	settings settings.Settings
	log      *logrus.Logger
	stdout   io.Writer
	stderr   io.Writer
}

func newEnv(cmd *cobra.Command) (*env, error) {
	layout := paths.New(rootDir)
	s, err := settings.Load(layout.SettingsFile())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		s.LogLevel = logLevel
	}
	if logFormat != "" {
		s.LogFormat = logFormat
	}
	logger, err := logging.New(logging.Options{Level: s.LogLevel, Format: s.LogFormat, Out: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	return &env{
		layout:   layout,
		settings: s,
		log:      logger,
		stdout:   cmd.OutOrStdout(),
		stderr:   cmd.ErrOrStderr(),
	}, nil
}

// descriptors loads jails.d, logging skipped files.
func (e *env) descriptors() (*config.Set, error) {
	set, problems, err := config.NewLoader(e.layout, e.log).Load()
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		e.log.WithField("file", p.File).WithError(p.Err).Warn("descriptor skipped")
	}
	return set, nil
}

// jails builds a jail manager that acts directly, with records kept in
// $RUNTIME/.state so they survive between invocations.
func (e *env) jails() (*jail.Manager, error) {
	set, err := e.descriptors()
	if err != nil {
		return nil, err
	}
	if err := daemon.InitializeSystem(e.layout); err != nil {
		return nil, err
	}
	store, err := state.NewFileStore(e.layout.StateDir())
	if err != nil {
		return nil, err
	}
	return jail.Setup(e.layout, e.settings, set, store, e.log)
}

// daemon returns a client when the daemon socket answers, nil otherwise.
func (e *env) daemon() *daemon.Client {
	c := daemon.NewClient(e.layout.Socket())
	if err := c.Ping(); err != nil {
		e.log.WithError(err).Debug("daemon not reachable, acting directly")
		return nil
	}
	return c
}

// stdio is the caller's terminal as seen by a jail command.
func (e *env) stdio(cmd *cobra.Command) jail.IO {
	return jail.IO{Stdin: cmd.InOrStdin(), Stdout: e.stdout, Stderr: e.stderr}
}
