// Command vanguard runs the guard-layer and bandwidth-monitoring policy
// engine against a running anonymity daemon's control port.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev" // set by build flags
)

var (
	cfgFile        string
	controlAddress string
	logLevel       string
	oneShot        bool
	metricsAddr    string
)

var rootCmd = &cobra.Command{
	Use:     "vanguard",
	Short:   "Guard-layer and bandwidth-monitoring policy engine for hidden services",
	Version: version,
	RunE:    runVanguard,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&controlAddress, "control-address", "", "control channel address (tcp://host:port or unix:///path), overrides config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-address", "", "address to serve Prometheus metrics on, empty disables it")
	rootCmd.PersistentFlags().BoolVar(&oneShot, "one-shot", false, "exit cleanly after the first consensus reconciliation")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
