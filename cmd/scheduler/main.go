package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/dispatch"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/utils"
)

var config *Config

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Terrapipe work staging scheduler service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("terrapipe")
		viper.AutomaticEnv()

		viper.SetConfigName("scheduler.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/terrapipe/")
		viper.AddConfigPath("$HOME/.config/terrapipe")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		if err := utils.UnmarshalConfig(*viper.GetViper(), &config); err != nil {
			log.Fatal(err)
		}

		config.SetDefaults()
		config.Log()

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		registry, err := newRegistry(config)
		if err != nil {
			log.Fatal(err)
		}

		store, err := catalog.Open(config.DatabasePath, dispatch.NewControlNotifier(registry))
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close()

		counter, err := newPodCounter(config)
		if err != nil {
			log.Fatal(err)
		}

		selector := catalog.NewSelector(store, catalog.DefaultCmrLimiter(config.CmrPageSize))
		scheduler := dispatch.NewScheduler(registry, selector, counter, config.Scheduler)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Runs until shutdown; a supervisor restarts the process if it
		// ever exits unexpectedly.
		scheduler.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
