// Command uge-acct-tailer answers accounting lookups for one Grid Engine
// cluster by reading its accounting file backwards.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tigerroll/ioprov/internal/app"
)

var flags struct {
	config  string
	envFile string
	cluster string
}

var rootCmd = &cobra.Command{
	Use:           "uge-acct-tailer --cluster <name>",
	Short:         "serve UGE accounting records over the broker",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code := app.RunTailer(app.Options{ConfigPath: flags.config, EnvFilePath: flags.envFile}, flags.cluster)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.config, "config", "c", "/etc/ioprov/ioprov.ini", "configuration file")
	rootCmd.Flags().StringVar(&flags.envFile, "env-file", "", "optional .env file with IOPROV_* overrides")
	rootCmd.Flags().StringVar(&flags.cluster, "cluster", "", "cluster whose accounting file is served")
	rootCmd.MarkFlagRequired("cluster")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "uge-acct-tailer:", err)
		os.Exit(1)
	}
}
