package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"roomivo-gateway/middleware/ratelimit/infra"
)

var rateLimitStatsJSON bool

var rateLimitStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show allowed/denied counts recorded in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Stats.RedisEnabled {
			return errors.New("stats.redis_enabled is false; decisions are only exported to Prometheus")
		}

		rdb, err := openRedis(cmd.Context(), cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		snap, err := infra.NewRedisStatsStore(rdb, infra.WithStatsPrefix(cfg.Stats.Prefix)).Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if rateLimitStatsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		return writeStatsTable(cmd.OutOrStdout(), snap)
	},
}

func writeStatsTable(w io.Writer, snap infra.StatsSnapshot) error {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Route", "Allowed", "Denied"})

	routes := make([]string, 0, len(snap.ByRoute))
	for r := range snap.ByRoute {
		routes = append(routes, r)
	}
	slices.Sort(routes)
	for _, r := range routes {
		c := snap.ByRoute[r]
		t.AppendRow(table.Row{r, c.Allowed, c.Denied})
	}
	t.AppendFooter(table.Row{"Total", snap.Total.Allowed, snap.Total.Denied})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func init() {
	rateLimitStatsCmd.Flags().BoolVar(&rateLimitStatsJSON, "json", false, "Print JSON instead of a table")
	rateLimitCmd.AddCommand(rateLimitStatsCmd)
}
