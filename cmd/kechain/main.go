package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/kechain/internal"
	pkgconfig "github.com/starford/kechain/pkg/config"
	"github.com/starford/kechain/pkg/kechain"
)

var version = "dev"

// loadConfig reads the config file named by --config and applies the
// connection flags on top of it.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	if err := pkgconfig.LoadEnvFiles(cmd.StringSlice("env-file")...); err != nil {
		return nil, err
	}
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if v := cmd.String("url"); v != "" {
		cfg.Backend.URL = v
	}
	if v := cmd.String("token"); v != "" {
		cfg.Backend.Token = v
		cfg.Backend.Username, cfg.Backend.Password = "", ""
	}
	if v := cmd.String("username"); v != "" && cfg.Backend.Token == "" {
		cfg.Backend.Username = v
		cfg.Backend.Password = cmd.String("password")
	}
	if cmd.Bool("insecure") {
		cfg.Backend.CheckCertificates = false
	}
	if cmd.Bool("debug") {
		cfg.App.LogLevel = slog.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// session bundles what most commands need.
type session struct {
	cfg    *internal.Config
	logger *slog.Logger
	client *kechain.Client
}

func newSession(cmd *cli.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// stdout carries command output, and for `mcp` the protocol itself.
	logger := internal.NewLogger(os.Stderr, cfg.App.LogLevel)
	client, err := cfg.NewClient(logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, client: client}, nil
}

func main() {
	cmd := &cli.Command{
		Name:    "kechain",
		Usage:   "Work with KE-chain scopes, parts and activities from the command line",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("KECHAIN_CONFIG_FILE"),
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Additional dotenv files to load before the config",
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "KE-chain base URL",
				Sources: cli.EnvVars(kechain.EnvURL),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "API token",
				Sources: cli.EnvVars(kechain.EnvToken),
			},
			&cli.StringFlag{
				Name:    "username",
				Sources: cli.EnvVars(kechain.EnvUsername),
			},
			&cli.StringFlag{
				Name:    "password",
				Sources: cli.EnvVars(kechain.EnvPassword),
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "Skip TLS certificate verification",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log requests",
			},
		},
		Commands: []*cli.Command{
			emulateCommand(),
			loginCommand(),
			versionsCommand(),
			scopesCommand(),
			treeCommand(),
			updateCommand(),
			copyCommand(),
			exportCommand(),
			runCommand(),
			snapshotCommand(),
			searchCommand(),
			watchCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
