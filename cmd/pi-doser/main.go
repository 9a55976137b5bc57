package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dsyorkd/pi-doser/internal/config"
	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	err := rootCmd.Execute()

	var restart *restartError
	if errors.As(err, &restart) {
		err = restart.exec()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pi-doser",
	Short: "Pi Doser - nutrient dosing pumps on a Raspberry Pi",
	Long: `Pi Doser drives a set of stepper-motor peristaltic pumps that share one STEP line.
It serves a REST API for dispensing, priming and calibration, keeps a dose history,
streams status over WebSocket and advertises itself on the LAN over mDNS.`,
	RunE:          runServer,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configFile string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text), overrides the config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(doseCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(clearConfigCmd)
	rootCmd.AddCommand(migrateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Pi Doser %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

// setup loads the configuration and builds the logger it describes, with
// the command line flags taking precedence
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load config")
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to setup logger")
	}
	return cfg, log, nil
}
