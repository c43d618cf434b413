package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
	return newRootCommand(os.Stdout).Execute()
}

func newRootCommand(out io.Writer) *cobra.Command {
	var key, svgPath string
	cmd := &cobra.Command{
		Use:           "stock-debug <doc-file>",
		Short:         "Print the change history of a dumped doc as DOT",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0], key, svgPath, out)
		},
	}
	cmd.Flags().StringVar(&key, "key", coordinator.StockKey, "the key to track through the history")
	cmd.Flags().StringVar(&svgPath, "svg", "", "also render the history to this svg file")
	return cmd
}

func inspect(path, key, svgPath string, out io.Writer) error {
	buff, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	steps, err := viz.History(buff, key)
	if err != nil {
		return err
	}
	for i, s := range steps {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", s.Hash, "actor", s.Actor, "origin", s.Origin, "value", s.Value, "dep", s.Deps)
	}

	if err := viz.WriteDOT(out, steps); err != nil {
		return fmt.Errorf("failed to write dot: %w", err)
	}
	if svgPath != "" {
		if err := viz.RenderSvg(steps, svgPath); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
