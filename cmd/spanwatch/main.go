package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/internal/config"
	"github.com/urfave/cli/v3"
)

// globals carries what the root command prepares for its subcommands.
type globals struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	g := &globals{}
	return &cli.Command{
		Name:  "spanwatch",
		Usage: "Watch agent runs of a project as they stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("SPANWATCH_LOG_LEVEL"),
				Usage:   "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Sources: cli.EnvVars("SPANWATCH_LOG_FORMAT"),
				Usage:   "Log format (text, json)",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Value: []string{".env"},
				Usage: "Optional .env files to load before reading SPANWATCH_* variables",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger, err := newLogger(cmd.ErrWriter, cmd.String("log-format"), cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}
			slog.SetDefault(logger)
			g.logger = logger

			cfg, err := config.Load(cmd.StringSlice("env-file")...)
			if err != nil {
				return ctx, err
			}
			g.cfg = cfg

			return ctxlog.With(ctx, logger), nil
		},
		Commands: []*cli.Command{
			watchCommand(g),
			breakpointsCommand(g),
			viewCommand(g),
		},
	}
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, goerr.Wrap(err, "invalid log level", goerr.V("level", level))
	}
	opts := &slog.HandlerOptions{Level: lv}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, goerr.New("invalid log format", goerr.V("format", format))
	}
}

// connectionFlags override the loaded configuration for a single command.
func connectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "base-url", Usage: "Server base URL (default from SPANWATCH_BASE_URL)"},
		&cli.StringFlag{Name: "project", Aliases: []string{"p"}, Usage: "Project ID (default from SPANWATCH_PROJECT_ID)"},
		&cli.StringFlag{Name: "api-key", Usage: "API key sent as Bearer token (default from SPANWATCH_API_KEY)"},
		&cli.StringFlag{Name: "events-path", Usage: "Path of the event stream (default from SPANWATCH_EVENTS_PATH)"},
	}
}

// connection returns the loaded configuration with the connection flags of
// cmd applied.
func (g *globals) connection(cmd *cli.Command) config.Config {
	var cfg config.Config
	if g.cfg != nil {
		cfg = *g.cfg
	}
	if cmd.IsSet("base-url") {
		cfg.BaseURL = cmd.String("base-url")
	}
	if cmd.IsSet("project") {
		cfg.ProjectID = cmd.String("project")
	}
	if cmd.IsSet("api-key") {
		cfg.APIKey = cmd.String("api-key")
	}
	if cmd.IsSet("events-path") {
		cfg.EventsPath = cmd.String("events-path")
	}
	return cfg
}

func (g *globals) log() *slog.Logger {
	if g.logger == nil {
		return slog.Default()
	}
	return g.logger
}
