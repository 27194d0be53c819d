package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"tributary/internal/tui"
)

var (
	flagAddr     string
	flagInterval time.Duration
	flagLockTTL  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Live dashboard of a running 'tributary serve'",
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, statusCmd} {
		c.Flags().StringVar(&flagAddr, "addr", "", "API address of the running server (default api.addr)")
		c.Flags().DurationVar(&flagInterval, "interval", time.Second, "refresh interval")
		c.Flags().DurationVar(&flagLockTTL, "lock-ttl", 0, "TTL used when taking the LLM lock from the dashboard (default lock.defaultTTL)")
	}
	rootCmd.AddCommand(statusCmd)
}

func apiAddr() string {
	if flagAddr != "" {
		return flagAddr
	}
	return cfg.API.Addr
}

func runStatus(cmd *cobra.Command, args []string) error {
	ttl := flagLockTTL
	if ttl <= 0 {
		ttl = cfg.Lock.DefaultTTL
	}
	return tui.Run(tui.Config{
		Addr:     apiAddr(),
		Interval: flagInterval,
		LockTTL:  ttl,
	})
}
