package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version string
	baseDir string
	verbose bool
)

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "mercsync",
	Short: "Offline-first sync agent for the Mercatus ERP",
	Long: `mercsync keeps a local copy of the ERP data set, queues writes made
while offline, and reconciles both with the server. It also runs a caching
gateway so reads keep working without a network connection.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initBaseDir, initLogging)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func initBaseDir() {
	var err error
	baseDir, err = os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
}

func initLogging() {
	level := slog.LevelInfo
	if verbose || os.Getenv("MERCSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// getBaseDir returns the directory holding the .mercsync data dir.
func getBaseDir() string {
	return baseDir
}
