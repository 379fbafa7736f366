// Package cli provides the command-line interface for scanpilot.
// It implements the Cobra-based command tree for planning, validating,
// running and inspecting supervised security tool scans.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanpilot/internal/config"
	"github.com/anstrom/scanpilot/internal/logging"
)

const defaultConfigFile = "config.yaml"

var (
	cfgFile         string
	verbose         bool
	metricsTextfile string
	outputFormat    string
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanpilot",
	Short: "Supervised security tool orchestration",
	Long: `Scanpilot plans, validates and runs allowlisted security tools
(nmap, nikto, gobuster, sqlmap) against a target, supervises them with
per-tool deadlines, and turns their output into a normalized analysis
record.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "",
		"write Prometheus metrics to this file on exit")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")

	for _, name := range []string{"verbose", "output"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SCANPILOT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the config file in use, or the default name.
func getConfigFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return defaultConfigFile
}

// loadConfig loads the configuration and applies flag and environment
// overrides bound through viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, err
	}
	path := metricsTextfile
	if path == "" {
		path = viper.GetString("metrics_textfile")
	}
	if path != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Textfile = path
	}
	if viper.IsSet("storage_driver") {
		cfg.Storage.Driver = viper.GetString("storage_driver")
	}
	if viper.IsSet("assisted") {
		cfg.Planner.Assisted = viper.GetBool("assisted")
	}
	return cfg, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		return
	}

	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
		logConfig.AddSource = true
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}
