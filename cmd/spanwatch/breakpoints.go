package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/breakpoint"
	"github.com/urfave/cli/v3"
)

func breakpointsCommand(g *globals) *cli.Command {
	client := func(cmd *cli.Command) *breakpoint.Client {
		cfg := g.connection(cmd)
		return breakpoint.NewClient(cfg.BaseURL,
			breakpoint.WithProjectID(cfg.ProjectID),
			breakpoint.WithAPIKey(cfg.APIKey),
		)
	}

	return &cli.Command{
		Name:  "breakpoints",
		Usage: "Inspect and resume paused requests",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List paused requests",
				Flags: connectionFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					resp, err := client(cmd).List(ctx)
					if err != nil {
						return err
					}
					return writeIndented(cmd.Root().Writer, resp)
				},
			},
			{
				Name:      "continue",
				Usage:     "Resume a paused request, optionally with a modified request body",
				ArgsUsage: "BREAKPOINT_ID",
				Flags: append(connectionFlags(), &cli.StringFlag{
					Name:  "request",
					Usage: "Modified request as JSON",
				}),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return goerr.New("breakpoint ID is required")
					}

					var request json.RawMessage
					if cmd.IsSet("request") {
						request = json.RawMessage(cmd.String("request"))
						if !json.Valid(request) {
							return goerr.New("--request is not valid JSON")
						}
					}

					if err := client(cmd).Continue(ctx, id, request); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.Root().Writer, "continued %s\n", id)
					return err
				},
			},
			{
				Name:  "continue-all",
				Usage: "Resume every paused request",
				Flags: connectionFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := client(cmd).ContinueAll(ctx); err != nil {
						return err
					}
					_, err := fmt.Fprintln(cmd.Root().Writer, "continued all")
					return err
				},
			},
			{
				Name:      "debug",
				Usage:     "Turn intercept-all on or off",
				ArgsUsage: "on|off",
				Flags:     connectionFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					var on bool
					switch cmd.Args().First() {
					case "on":
						on = true
					case "off":
					default:
						return goerr.New("argument must be on or off", goerr.V("arg", cmd.Args().First()))
					}

					enabled, err := client(cmd).SetGlobalBreakpoint(ctx, on)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.Root().Writer, "intercept_all: %t\n", enabled)
					return err
				},
			},
		},
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write output")
	}
	return nil
}
