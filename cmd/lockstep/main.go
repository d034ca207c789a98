// Package main is the CLI entrypoint for Lockstep. The coordination
// engine is a library driven by generated reactor programs; this binary
// provides the operational shell around it: validating a federate
// configuration (check), probing the RTI handshake (probe), and printing
// version information (version).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wan-ninjas/lockstep/internal/config"
	"github.com/wan-ninjas/lockstep/internal/federate"
	"github.com/wan-ninjas/lockstep/internal/wire"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "check":
		if err := runCheck(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "probe":
		if err := runProbe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("Lockstep — Federated Deterministic Execution Runtime")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lockstep <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  check     Validate the federate configuration and print derived settings")
	fmt.Println("  probe     Connect to the RTI, perform the identity handshake, and disconnect")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  lockstep.toml (or set LOCKSTEP_CONFIG_PATH)")
	fmt.Println("  Env prefix:   LOCKSTEP_ (e.g. LOCKSTEP_RTI_HOST)")
}

// runCheck loads and validates the configuration, then reports the
// settings a run would use.
func runCheck() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Printf("Federate:      %d in federation %q\n", cfg.Federate.ID, cfg.Federate.FederationID)
	fmt.Printf("RTI:           %s:%d\n", cfg.RTI.Host, cfg.RTI.Port)
	fmt.Printf("Upstream:      %v\n", cfg.Federate.Upstream)
	fmt.Printf("Downstream:    %v\n", cfg.Federate.Downstream)

	maxBytes, _ := cfg.Limits.MaxMessageBytes()
	fmt.Printf("Message limit: %d bytes\n", maxBytes)
	if _, bounded, _ := cfg.Federate.DurationParsed(); bounded {
		fmt.Printf("Duration:      %s\n", cfg.Federate.Duration)
	} else {
		fmt.Printf("Duration:      unbounded\n")
	}
	if cfg.Status.Enabled {
		fmt.Printf("Status:        %s\n", cfg.Status.Listen)
	}
	fmt.Println("Configuration OK")
	return nil
}

// runProbe performs a single RTI handshake with the configured identity
// and reports the result. Useful for checking federation wiring before
// starting a run.
func runProbe() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	retryInterval, _ := cfg.Limits.ConnectRetryIntervalParsed()
	queryInterval, _ := cfg.Limits.AddressQueryRetryIntervalParsed()
	readTimeout, _ := cfg.Limits.ReadTimeoutParsed()
	writeTimeout, _ := cfg.Limits.WriteTimeoutParsed()

	client := federate.NewRTIClient(federate.RTIClientConfig{
		Host:                      cfg.RTI.Host,
		Port:                      cfg.RTI.Port,
		FederateID:                wire.FederateID(cfg.Federate.ID),
		FederationID:              cfg.Federate.FederationID,
		ConnectNumRetries:         cfg.Limits.ConnectNumRetries,
		ConnectRetryInterval:      retryInterval,
		AddressQueryRetryInterval: queryInterval,
		ReadTimeout:               readTimeout,
		WriteTimeout:              writeTimeout,
		Logger:                    logger,
	})
	if err := client.Connect(); err != nil {
		return fmt.Errorf("probing RTI: %w", err)
	}
	client.Close()
	fmt.Printf("RTI at %s accepted federate %d in federation %q\n",
		cfg.RTI.Host, cfg.Federate.ID, cfg.Federate.FederationID)
	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("Lockstep %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from LOCKSTEP_CONFIG_PATH env
// var or the default "lockstep.toml".
func configPath() string {
	if p := os.Getenv("LOCKSTEP_CONFIG_PATH"); p != "" {
		return p
	}
	return "lockstep.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
