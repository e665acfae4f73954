package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kobopay/kobod/internal/config"
)

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config [path]",
	Short: "Write an example configuration file",
	Long: `Write a fully populated example TOML configuration to the given path
(default kobod.toml) and exit. Every value shown is a default or a
placeholder; the PIN pepper in particular must come from the
environment in production.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "kobod.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		if !quiet {
			fmt.Println("wrote", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exampleConfigCmd)
}
