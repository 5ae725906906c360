package main

import (
	"fmt"

	"github.com/TheSmallBoat/skiff/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string

	// set during PersistentPreRun
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skiffcat",
	Short: "Send and receive framed messages over a KCP session",
	Long: `skiffcat dials a peer over UDP, writes every line read from stdin as one
message and prints every message the peer sends back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./skiff.yaml or ~/.skiff/skiff.yaml)")
}
