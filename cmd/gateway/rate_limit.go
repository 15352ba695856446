package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"roomivo-gateway/config"
)

var (
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Manage shared rate limit windows",
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear every rate limit window in the Redis store",
	Long: `Deletes all fixed-window entries so every caller starts a fresh window.
Only the redis store is shared; memory windows die with the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("reset requires --yes (or use --dry-run)")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Rate.Store != config.StoreRedis {
			return fmt.Errorf("rate.store is %q; only the redis store can be reset externally", cfg.Rate.Store)
		}

		rdb, err := openRedis(cmd.Context(), cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		store := newRedisStore(rdb, cfg.Rate)

		out := cmd.OutOrStdout()
		if rateLimitResetDryRun {
			n, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "Would delete %d rate limit window(s)\n", n)
			return err
		}

		n, err := store.Clear(cmd.Context())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "Deleted %d rate limit window(s)\n", n)
		return err
	},
}

func init() {
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show how many windows would be deleted")
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
