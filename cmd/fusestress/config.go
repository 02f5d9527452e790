package main

import (
	"github.com/spf13/cobra"
)

// newConfigCmd creates the config subcommand.
func newConfigCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long: `Resolves the configuration exactly as "run" would (defaults, config file,
flags) and prints it as YAML. Useful as a starting point for a config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	opts.bindFlags(cmd.Flags())
	return cmd
}
