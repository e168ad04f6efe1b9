// Package safari builds a supervised safaridriver service.
//
// It owns the driver-specific knowledge: where safaridriver lives, how it is
// told which port to use, and what to tell the user when it is missing.
// Everything else is delegated to package service.
//
// Usage:
//
//	svc, err := safari.NewService(safari.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	fmt.Println(svc.URL())
package safari

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nerrad567/driverservice/internal/service"
)

const (
	// DefaultExecutablePath is where macOS installs safaridriver.
	DefaultExecutablePath = "/usr/bin/safaridriver"

	// TechnologyPreviewExecutablePath is the driver shipped with Safari
	// Technology Preview.
	TechnologyPreviewExecutablePath = "/Applications/Safari Technology Preview.app/Contents/MacOS/safaridriver"

	// DownloadURL is where Safari and Safari Technology Preview are published.
	DownloadURL = "https://developer.apple.com/safari/download/"
)

// technologyPreview marks an executable path as belonging to Safari
// Technology Preview.
const technologyPreview = "Safari Technology Preview"

// Config describes a safaridriver instance.
type Config struct {
	// ExecutablePath is the safaridriver binary. It must exist.
	ExecutablePath string `yaml:"executable_path"`

	// Port is passed to safaridriver as "-p PORT". Zero picks a free port.
	Port int `yaml:"port"`

	// Quiet discards the driver's output instead of sharing this
	// process's stdout and stderr.
	Quiet bool `yaml:"quiet"`

	// LogFile appends the driver's output to a file. Cannot be combined
	// with Quiet.
	LogFile string `yaml:"log_file,omitempty"`

	// ServiceArgs are appended verbatim after "-p PORT".
	ServiceArgs []string `yaml:"service_args,omitempty"`

	// Env is the driver's environment. Nil inherits this process's.
	Env []string `yaml:"-"`
}

// DefaultConfig returns a Config for the system safaridriver on a free port.
func DefaultConfig() Config {
	return Config{ExecutablePath: DefaultExecutablePath}
}

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	var errs []string

	if c.ExecutablePath == "" {
		errs = append(errs, "executable path is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}
	if c.Quiet && c.LogFile != "" {
		errs = append(errs, "quiet and log file are mutually exclusive")
	}
	for i, arg := range c.ServiceArgs {
		if strings.TrimSpace(arg) == "" {
			errs = append(errs, "service argument "+strconv.Itoa(i)+" is empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", service.ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// CommandLineArgs returns "-p PORT" followed by ServiceArgs.
func (c Config) CommandLineArgs(port int) []string {
	args := make([]string, 0, 2+len(c.ServiceArgs))
	args = append(args, "-p", strconv.Itoa(port))
	return append(args, c.ServiceArgs...)
}

// sink maps Quiet and LogFile onto an output sink.
func (c Config) sink() *service.Sink {
	switch {
	case c.Quiet:
		return service.DiscardSink()
	case c.LogFile != "":
		return service.FileSink(c.LogFile)
	default:
		return service.InheritSink()
	}
}

// ServiceConfig validates cfg, checks that the executable exists and
// returns the matching service configuration. Callers may set the
// lifecycle hooks on the result before passing it to service.New.
func ServiceConfig(cfg Config) (service.Config, error) {
	if err := cfg.Validate(); err != nil {
		return service.Config{}, err
	}

	if _, err := os.Stat(cfg.ExecutablePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return service.Config{}, fmt.Errorf("%w: %s", service.ErrConfigInvalid, missingExecutableMessage(cfg.ExecutablePath))
		}
		return service.Config{}, fmt.Errorf("%w: checking %s: %w", service.ErrConfigInvalid, cfg.ExecutablePath, err)
	}

	return service.Config{
		Name:           "safaridriver",
		Executable:     cfg.ExecutablePath,
		Port:           cfg.Port,
		Env:            cfg.Env,
		Sink:           cfg.sink(),
		StartErrorHint: "Please see " + DownloadURL,
		Variant:        cfg,
	}, nil
}

// NewService builds a Service for cfg. Nothing is spawned until Start.
func NewService(cfg Config) (*service.Service, error) {
	svcCfg, err := ServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	return service.New(svcCfg)
}

func missingExecutableMessage(path string) string {
	if strings.Contains(path, technologyPreview) {
		return "Safari Technology Preview does not seem to be installed. You can download it at " + DownloadURL + "."
	}
	return "SafariDriver was not found; are you running Safari 10 or later? You can download Safari at " + DownloadURL + "."
}
