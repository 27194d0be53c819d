package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tributary/internal/config"
	"tributary/internal/logging"
)

var (
	flagConfig    string
	flagRoot      string
	flagDB        string
	flagOllama    string
	flagModel     string
	flagChatModel string
	flagLogLevel  string
	flagLogFormat string
)

// cfg is loaded once in the persistent pre-run and shared by every command.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "tributary",
	Short:         "Incremental workspace indexer and knowledge port for local LLM agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "YAML config file")
	pf.StringVar(&flagRoot, "root", "", "workspace root (default .)")
	pf.StringVar(&flagDB, "db", "", "database path (default <root>/.tributary/index.db)")
	pf.StringVar(&flagOllama, "ollama", "", "ollama base URL")
	pf.StringVar(&flagModel, "model", "", "embedding model")
	pf.StringVar(&flagChatModel, "chat-model", "", "generative model for enrichment and summaries")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "", "text or json")
}

func loadConfig(cmd *cobra.Command) error {
	c, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("root", &c.Workspace.Root, flagRoot)
	override("db", &c.Store.Path, flagDB)
	override("ollama", &c.LLM.OllamaURL, flagOllama)
	override("model", &c.LLM.EmbedModel, flagModel)
	override("chat-model", &c.LLM.ChatModel, flagChatModel)
	override("log-level", &c.Logging.Level, flagLogLevel)
	override("log-format", &c.Logging.Format, flagLogFormat)

	root, err := filepath.Abs(c.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	c.Workspace.Root = root

	logging.Setup(c.Logging.Level, c.Logging.Format)
	cfg = c
	return nil
}

// rootArg lets commands take the workspace as an optional positional
// argument, as `tributary index <path>` always did.
func rootArg(args []string) error {
	if len(args) == 0 {
		return nil
	}
	root, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	cfg.Workspace.Root = root
	return nil
}
