package main

import (
	"os"

	"github.com/spf13/cobra"

	"roomivo-gateway/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Roomivo function gateway",
	Long: `Serves each configured function at /functions/v1/<name>, applying a
fixed-window rate limit per caller before forwarding to the upstream API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("GATEWAY_CONFIG"),
		"config file (YAML); defaults to $GATEWAY_CONFIG")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
