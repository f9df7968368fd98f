package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/dispatch"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/utils"
)

var config *Config

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Terrapipe work item broker service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("terrapipe")
		viper.AutomaticEnv()

		viper.SetConfigName("broker.yaml")
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

		// In queue mode the catalog announces new work on the control
		// channel as items are created.
		var notifier catalog.Notifier = catalog.NopNotifier{}
		if config.QueueMode {
			notifier = dispatch.NewControlNotifier(registry)
		}

		store, err := catalog.Open(config.DatabasePath, notifier)
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

		var dispatcher dispatch.Dispatcher
		if config.QueueMode {
			dispatcher = dispatch.NewQueueDispatcher(registry, scheduler, store, config.LongPollWait)
		} else {
			dispatcher = dispatch.NewDirectDispatcher(selector)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)

		if config.QueueMode && config.RunScheduler {
			g.Go(func() error {
				scheduler.Run(ctx)
				return nil
			})
		}

		for _, addr := range config.ListenHttp {
			r := echo.New()
			r.HideBanner = true
			r.HidePort = true
			r.Use(utils.HttpLogger)
			r.Add(echo.GET, "/debug/pprof/*", echo.WrapHandler(http.DefaultServeMux))

			dispatch.NewHttpHandler(dispatcher, store, config.Services, r)

			addr := addr
			log.Info("Listening on http", addr)

			g.Go(func() error {
				if err := r.Start(addr); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return r.Shutdown(shutdownCtx)
			})
		}

		if err := g.Wait(); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().StringSliceP("listen-http", "l", []string{":8080"}, "Addresses to listen on for HTTP connections")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
