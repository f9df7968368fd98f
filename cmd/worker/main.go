package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/utils"
)

var config *Config

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Terrapipe polling worker agent",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("terrapipe")
		viper.AutomaticEnv()

		viper.SetConfigName("worker.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/terrapipe/")
		viper.AddConfigPath("$HOME/.config/terrapipe")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		if err := utils.UnmarshalConfig(*viper.GetViper(), &config); err != nil {
			log.Fatal(err)
		}

		config.SetDefaults()

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
		if err := config.Validate(); err != nil {
			log.Fatal(err)
		}

		if config.PodName == "" {
			config.PodName = derivePodName()
		}
		config.Log()
		log.Infof("  Pod name: %s", config.PodName)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := &http.Client{Timeout: config.PollTimeout}
		run(ctx, client)
	},
}

// A stable pod name: the environment-provided hostname qualified with
// the machine identity when available.
func derivePodName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	id, err := machineid.ProtectedID("terrapipe")
	if err != nil {
		return hostname
	}
	return fmt.Sprintf("%s-%s", hostname, id[:8])
}

func run(ctx context.Context, client *http.Client) {
	log.Info("starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return
		default:
		}

		response, err := poll(ctx, client)
		if err != nil {
			log.Errorf("err - poll - %v", err)
			sleep(ctx, config.Backoff)
			continue
		}
		if response == nil {
			sleep(ctx, config.Backoff)
			continue
		}

		result := process(ctx, response)
		if err := report(ctx, client, response.WorkItem.ID, result); err != nil {
			log.Errorf("err - report - item: %d, %v", response.WorkItem.ID, err)
		}
	}
}

func poll(ctx context.Context, client *http.Client) (*protocol.WorkResponse, error) {
	u := fmt.Sprintf("%s/work?serviceID=%s&podName=%s",
		config.BrokerUrl, url.QueryEscape(config.ServiceID), url.QueryEscape(config.PodName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var response protocol.WorkResponse
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return nil, err
		}
		return &response, nil
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// Invoke the backend command with the work item on standard input and
// derive the terminal status from its exit code.
func process(ctx context.Context, response *protocol.WorkResponse) *protocol.WorkResult {
	item := response.WorkItem
	log.Infof("run - item - id: %d, job: %s", item.ID, item.JobID)

	input, err := json.Marshal(response)
	if err != nil {
		return &protocol.WorkResult{Status: protocol.WorkItemFailed, Message: err.Error()}
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, config.Command[0], config.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		log.Warnf("end - item - id: %d, failed: %v", item.ID, err)
		return &protocol.WorkResult{Status: protocol.WorkItemFailed, Message: err.Error()}
	}

	log.Infof("end - item - id: %d, successful", item.ID)
	return &protocol.WorkResult{
		Status:     protocol.WorkItemSuccessful,
		ResultPath: strings.TrimSpace(stdout.String()),
	}
}

func report(ctx context.Context, client *http.Client, id int64, result *protocol.WorkResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/work/%d", config.BrokerUrl, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
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
