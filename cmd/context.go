package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"tributary/internal/assembler"
	"tributary/internal/knowledge"
	"tributary/internal/store"
)

var (
	flagBudget  int
	flagTopK    int
	flagFile    string
	flagRaw     bool
	flagNoOverview bool
)

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Assemble a token-budgeted context block for a query from the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runContext,
}

func init() {
	f := contextCmd.Flags()
	f.IntVar(&flagBudget, "budget", 0, "token budget (default assembler.maxTokens)")
	f.IntVar(&flagTopK, "top-k", 0, "chunks to retrieve (default knowledge.defaultTopK)")
	f.StringVar(&flagFile, "file", "", "also include every chunk of this file")
	f.BoolVar(&flagRaw, "raw", false, "print markdown without rendering")
	f.BoolVar(&flagNoOverview, "no-overview", false, "leave module summaries out")
	rootCmd.AddCommand(contextCmd)
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	port := a.port()

	var items []assembler.Item
	if !flagNoOverview {
		overview, err := port.ProjectOverview(ctx)
		if err != nil {
			return fmt.Errorf("overview: %w", err)
		}
		items = append(items, assembler.FromModules(overview)...)
	}
	if flagFile != "" {
		file, err := port.FileContext(ctx, flagFile)
		if err != nil {
			return fmt.Errorf("file context: %w", err)
		}
		items = append(items, assembler.FromFile(file)...)
	}
	hits, err := port.SearchText(ctx, args[0], flagTopK)
	switch {
	case errors.Is(err, knowledge.ErrNoEmbedder), errors.Is(err, store.ErrNotFound):
		slog.Warn("semantic search unavailable", "error", err)
	case err != nil:
		return fmt.Errorf("search: %w", err)
	default:
		items = append(items, assembler.FromHits(hits)...)
	}

	budget := flagBudget
	if budget <= 0 {
		budget = cfg.Assembler.MaxTokens
	}
	res := assembler.New(cfg.Assembler.MaxTokens).Assemble(items, budget)
	slog.Info("context assembled",
		"strategy", res.Strategy,
		"tokens", res.Tokens,
		"budget", res.Budget,
		"included", res.Included,
		"summarized", res.Summarized,
		"dropped", res.Dropped,
	)

	if flagRaw || !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Print(res.Text)
		return nil
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Print(res.Text)
		return nil
	}
	out, err := r.Render(res.Text)
	if err != nil {
		fmt.Print(res.Text)
		return nil
	}
	fmt.Print(out)
	return nil
}
