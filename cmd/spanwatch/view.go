package main

import (
	"context"
	"strings"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/stream"
	"github.com/urfave/cli/v3"
)

func viewCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "view",
		Usage: "Serve stored run snapshots and relay live events",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":18900",
				Sources: cli.EnvVars("SPANWATCH_VIEW_ADDR"),
				Usage:   "Server listen address",
			},
			&cli.StringFlag{
				Name:    "dir",
				Sources: cli.EnvVars("SPANWATCH_VIEW_DIR"),
				Usage:   "Local directory containing run snapshot JSON files",
			},
			&cli.StringFlag{
				Name:    "bucket",
				Sources: cli.EnvVars("SPANWATCH_VIEW_BUCKET"),
				Usage:   "Google Cloud Storage bucket name or gs://bucket/prefix URI",
			},
			&cli.StringFlag{
				Name:    "prefix",
				Sources: cli.EnvVars("SPANWATCH_VIEW_PREFIX"),
				Usage:   "Google Cloud Storage object prefix",
			},
		}, connectionFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.String("dir")
			bucket := cmd.String("bucket")

			if dir == "" && bucket == "" {
				return goerr.New("either --dir or --bucket must be specified")
			}
			if dir != "" && bucket != "" {
				return goerr.New("--dir and --bucket are mutually exclusive")
			}

			var src runSource
			if dir != "" {
				src = newLocalSource(dir)
			} else {
				name, prefix, err := bucketAndPrefix(bucket, cmd.String("prefix"))
				if err != nil {
					return err
				}
				store, err := newCSStore(ctx, name, prefix)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				src = store
			}

			opts := []serverOption{
				withAddr(cmd.String("addr")),
				withSource(src),
			}

			cfg := g.connection(cmd)
			if cfg.ProjectID != "" {
				client := stream.New(cfg.BaseURL,
					stream.WithProjectID(cfg.ProjectID),
					stream.WithEventsPath(cfg.EventsPath),
					stream.WithAPIKey(cfg.APIKey),
					stream.WithRetry(cfg.RetryBase, cfg.MaxRetries),
					stream.WithFlushTimeout(cfg.FlushTimeout),
					stream.WithQueueSize(cfg.QueueSize),
					stream.WithLogger(ctxlog.From(ctx)),
				)
				if err := client.Connect(ctx); err != nil {
					return err
				}
				defer client.Disconnect()
				opts = append(opts, withLive(client))
			}

			return newServer(opts...).start(ctx)
		},
	}
}

// bucketAndPrefix accepts either a plain bucket name with a separate prefix
// or a gs:// URI.
func bucketAndPrefix(bucket, prefix string) (string, string, error) {
	if !strings.Contains(bucket, "://") {
		return bucket, prefix, nil
	}
	name, uriPrefix, err := parseGSURI(bucket)
	if err != nil {
		return "", "", err
	}
	if prefix != "" {
		return "", "", goerr.New("--prefix cannot be combined with a gs:// URI", goerr.V("bucket", bucket))
	}
	return name, uriPrefix, nil
}

// parseGSURI splits gs://bucket/path into the bucket name and an object
// prefix ending with a slash.
func parseGSURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", goerr.New("URI must start with gs://", goerr.V("uri", uri))
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", goerr.New("bucket name is empty", goerr.V("uri", uri))
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, nil
}
