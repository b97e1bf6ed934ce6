package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xPuncker/reelforge/internal/client"
	"github.com/0xPuncker/reelforge/internal/tracker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:          "jobctl",
	Short:        "CLI for the reelforge job service",
	Long:         `jobctl manages the job catalog of a reelforge server and follows runs as they progress.`,
	SilenceUsage: true,
}

// Execute runs the root command. ctx is cancelled on interrupt.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.reelforge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

func initConfig() {
	home, _ := os.UserHomeDir()
	configDir := filepath.Join(home, ".reelforge")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("server_url", "http://localhost:8080")
	viper.SetDefault("queue_timeout", "10m")
	viper.SetDefault("processing_timeout", "30m")
	viper.SetDefault("reconnect_delay", "3s")
	viper.SetDefault("state_file", filepath.Join(configDir, "runs.json"))

	viper.AutomaticEnv()
	viper.BindEnv("server_url", "REELFORGE_SERVER")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
}

// GetServerURL returns the configured server URL without trailing slashes.
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

func IsJSONOutput() bool {
	return outputFormat == "json"
}

func newClient() *client.Client {
	return client.New(GetServerURL())
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func newTracker(c *client.Client) *tracker.Tracker {
	return tracker.New(newLogger(), tracker.Options{
		EventsURL:         c.EventsURL(),
		QueueTimeout:      viper.GetDuration("queue_timeout"),
		ProcessingTimeout: viper.GetDuration("processing_timeout"),
		ReconnectDelay:    viper.GetDuration("reconnect_delay"),
		StatePath:         viper.GetString("state_file"),
		Canceller:         c,
		Resolver:          c,
	})
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
