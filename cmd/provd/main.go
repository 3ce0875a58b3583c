// Command provd runs and supervises the I/O provenance server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 1
	exitConflict = 2
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func conflict(err error) error { return &exitError{code: exitConflict, err: err} }

var rootFlags struct {
	config  string
	envFile string
}

var rootCmd = &cobra.Command{
	Use:           "provd",
	Short:         "Lustre I/O provenance server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "/etc/ioprov/ioprov.ini", "configuration file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.envFile, "env-file", "", "optional .env file with IOPROV_* overrides")
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd, runCmd)
}

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "provd:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}
