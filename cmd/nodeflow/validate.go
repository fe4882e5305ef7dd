package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dukex/nodeflow/pkg/cmd"
	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/log"
	"github.com/urfave/cli/v3"
)

var ErrInvalidTemplates = errors.New("invalid templates found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate template documents without running them",
		ArgsUsage: "<template.yaml|template.json>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing tool plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "remote-kinds",
				Usage:   "Comma separated tool kinds run by the remote provider",
				Sources: cli.EnvVars("REMOTE_KINDS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := slog.With("module", "nodeflow", "action", "validate")

			if command.Args().Len() == 0 {
				return errors.New("at least one template file is required")
			}

			// The provider is only needed for its kinds; any URL will do.
			registry, err := cmd.NewRegistry(logger, cmd.RegistryConfig{
				PluginsPath: command.String("plugins-path"),
				ProviderURL: "http://localhost",
				RemoteKinds: strings.Split(command.String("remote-kinds"), ","),
			})
			if err != nil {
				return err
			}

			loader := graph.NewLoader(logger, registry)

			out := command.Root().Writer
			if out == nil {
				out = os.Stdout
			}

			return validateFiles(ctx, out, loader, command.Args().Slice())
		},
	}
}

// validateFiles loads each document and reports one line per file.
func validateFiles(ctx context.Context, out io.Writer, loader *graph.Loader, paths []string) error {
	invalid := 0

	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			invalid++

			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)

			continue
		}

		g, err := loader.Load(data)
		if err != nil {
			invalid++

			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)

			continue
		}

		var missing []string

		for _, node := range g.Nodes() {
			if !g.Installed(node.ID) {
				missing = append(missing, node.ID+" ("+node.Kind+")")
			}
		}

		if len(missing) > 0 {
			fmt.Fprintf(out, "WARN %s: %d nodes, kinds not installed: %s\n", path, len(g.Nodes()), strings.Join(missing, ", "))

			continue
		}

		fmt.Fprintf(out, "OK   %s: %d nodes\n", path, len(g.Nodes()))
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", ErrInvalidTemplates, invalid, len(paths))
	}

	return nil
}
