package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/kiln/internal"
	pkgconfig "github.com/starford/kiln/pkg/config"
)

type entrypoint func(ctx context.Context, opts ...internal.Option) error

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if dir := cmd.String("site"); dir != "" {
		cfg.Site.Directory = dir
	}
	return cfg, nil
}

func action(run entrypoint) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := run(ctx, internal.WithConfig(cfg)); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name, err)
		}
		return nil
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "kiln",
		Usage: "Incremental data layer for static site builds: sourcing, content graph and cached queries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "site",
				Usage:   "Override the site directory from the config file",
				Sources: cli.EnvVars("KILN_SITE_DIR"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "Source content, run every query and write page data",
				Action: action(internal.Build),
			},
			{
				Name:   "develop",
				Usage:  "Build, then serve the dev server and rebuild on source changes",
				Action: action(internal.Develop),
			},
			{
				Name:   "mcp",
				Usage:  "Source content and serve graph inspection tools over MCP stdio",
				Action: action(internal.ServeMCP),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
