package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "inspect",
	Short:   "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and environment
overrides have been applied. Credentials are redacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		cfg, _ := setup()
		redacted := cfg.Redacted()

		switch format {
		case "toml":
			if err := toml.NewEncoder(os.Stdout).Encode(redacted); err != nil {
				fatalf("failed to encode configuration: %v", err)
			}
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(redacted); err != nil {
				fatalf("failed to encode configuration: %v", err)
			}
			enc.Close()
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (use toml or yaml)\n", format)
			os.Exit(1)
		}
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", "Output format: toml or yaml")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
