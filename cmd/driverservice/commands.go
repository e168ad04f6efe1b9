package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/driverservice/internal/auth"
	"github.com/nerrad567/driverservice/internal/infrastructure/config"
	"github.com/nerrad567/driverservice/internal/safari"
	"github.com/nerrad567/driverservice/internal/service"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the config file when --config is not given.
const configEnv = "DRIVERSERVICE_CONFIG"

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "driverservice",
		Short:         "Supervise a WebDriver server process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $"+configEnv+" or "+defaultConfigPath+")")

	root.AddCommand(
		newRunCommand(&configPath),
		newProbeCommand(),
		newTokenCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		opts        runOptions
		techPreview bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the driver and supervise it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.configPath = *configPath
			f := cmd.Flags()
			opts.override = func(cfg *config.Config) {
				if f.Changed("port") {
					cfg.Driver.Port = opts.port
				}
				if f.Changed("executable") {
					cfg.Driver.ExecutablePath = opts.executable
				}
				if techPreview {
					cfg.Driver.ExecutablePath = safari.TechnologyPreviewExecutablePath
				}
				if f.Changed("quiet") {
					cfg.Driver.Quiet = opts.quiet
				}
				if f.Changed("log-file") {
					cfg.Driver.LogFile = opts.logFile
					cfg.Driver.Quiet = false
				}
			}
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.port, "port", "p", 0, "driver port (0 picks a free port)")
	f.StringVar(&opts.executable, "executable", "", "driver executable path")
	f.BoolVar(&techPreview, "technology-preview", false, "use Safari Technology Preview's safaridriver")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "discard the driver's output")
	f.StringVar(&opts.logFile, "log-file", "", "append the driver's output to this file")
	cmd.MarkFlagsMutuallyExclusive("executable", "technology-preview")
	cmd.MarkFlagsMutuallyExclusive("quiet", "log-file")

	return cmd
}

func newProbeCommand() *cobra.Command {
	var (
		host    string
		port    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether a TCP port accepts connections (exit status 0 or 1)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port < 1 || port > 65535 {
				return fmt.Errorf("--port must be between 1 and 65535")
			}
			out := cmd.OutOrStdout()
			if service.IsConnectableAt(host, port, timeout) {
				fmt.Fprintf(out, "%s:%d is reachable\n", host, port) //nolint:errcheck // terminal output
				return nil
			}
			fmt.Fprintf(out, "%s:%d is not reachable\n", host, port) //nolint:errcheck // terminal output
			return &exitError{code: 1}
		},
	}

	f := cmd.Flags()
	f.StringVar(&host, "host", "localhost", "host to dial")
	f.IntVarP(&port, "port", "p", 0, "port to dial")
	f.DurationVar(&timeout, "timeout", 500*time.Millisecond, "dial timeout")
	//nolint:errcheck // flag is defined above
	cmd.MarkFlagRequired("port")

	return cmd
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     int
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Security.JWT.AccessTokenTTL
			}

			token, err := auth.GenerateAccessToken(subject, auth.Role(role), cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return fmt.Errorf("minting token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token) //nolint:errcheck // terminal output
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&subject, "subject", "", "token subject, e.g. the client's name")
	f.StringVar(&role, "role", string(auth.RoleViewer), "viewer or operator")
	f.IntVar(&ttl, "ttl", 0, "lifetime in minutes (default security.jwt.access_token_ttl)")
	//nolint:errcheck // flag is defined above
	cmd.MarkFlagRequired("subject")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			//nolint:errcheck // terminal output
			fmt.Fprintf(cmd.OutOrStdout(), "driverservice %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// getConfigPath returns the configuration file path: the flag, then
// DRIVERSERVICE_CONFIG, then the default path if that file exists.
// An empty result means built-in defaults.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// loadConfig resolves the config path and loads it.
func loadConfig(flag string) (*config.Config, string, error) {
	path := getConfigPath(flag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
