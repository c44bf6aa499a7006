package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seoauditor/crawler/internal/crawl"
)

var (
	cfgFile string
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "seoauditor",
	Short: "Run and inspect SEO-audit crawls",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./seoauditor.yaml)")
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("seoauditor")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("SEOAUDITOR")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Warn("failed to read config file", "err", err)
		}
	}

	// The config file is watched, but a change is only logged: a running
	// crawl keeps the config it was started with.
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed; a running crawl keeps its current config", "file", e.Name)
	})
	viper.WatchConfig()
}

func loadConfig() crawl.Config {
	cfg := crawl.DefaultConfig()
	err := viper.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
	if err != nil {
		logger.Warn("failed to unmarshal config, using defaults", "err", err)
		return crawl.DefaultConfig()
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
