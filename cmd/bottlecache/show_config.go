package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and BOTTLECACHE_*
environment overrides are applied. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		data, err := cfg.YAML()
		if err != nil {
			return err
		}

		fmt.Print(string(data))

		return nil
	},
}

func init() {
	addTokenFlag(showConfigCmd)
	rootCmd.AddCommand(showConfigCmd)
}
