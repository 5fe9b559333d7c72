// Command strata is the single-binary backend: one Postgres database, a
// pool of Python function workers, and an HTTP surface for collections,
// functions, schedules, and files.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes. Scripted installs branch on these.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitInitialized = 3
)

// errAlreadyInitialized marks a repeated `strata init`.
var errAlreadyInitialized = errors.New("instance already initialized")

// errConfig marks configuration failures.
var errConfig = errors.New("configuration error")

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "strata",
		Short:         "Strata - self-hosted backend with serverless functions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML config file")

	rootCmd.AddCommand(
		initCmd(),
		serveCmd(),
		functionsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		switch {
		case errors.Is(err, errAlreadyInitialized):
			os.Exit(exitInitialized)
		case errors.Is(err, errConfig):
			os.Exit(exitConfig)
		default:
			os.Exit(exitFailure)
		}
	}
	os.Exit(exitOK)
}
