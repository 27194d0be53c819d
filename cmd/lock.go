package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tributary/internal/api"
)

var flagToken string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or change the LLM lock of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := api.NewClient(apiAddr()).LockStatus(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Take the LLM lock and print the owner token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl := flagLockTTL
		if ttl <= 0 {
			ttl = cfg.Lock.DefaultTTL
		}
		res, err := api.NewClient(apiAddr()).SetLock(cmd.Context(), true, ttl, "")
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the LLM lock held by --token",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := api.NewClient(apiAddr()).SetLock(cmd.Context(), false, 0, flagToken)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	lockCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "API address of the running server (default api.addr)")
	lockAcquireCmd.Flags().DurationVar(&flagLockTTL, "ttl", 0, "lock lifetime (default lock.defaultTTL)")
	lockReleaseCmd.Flags().StringVar(&flagToken, "token", "", "owner token printed by acquire")
	_ = lockReleaseCmd.MarkFlagRequired("token")
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd)
	rootCmd.AddCommand(lockCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

