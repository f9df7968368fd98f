package main

import (
	"fmt"
	"time"

	"github.com/terrapipe/broker/pkg/log"
)

type Config struct {
	// Base URL of the broker's HTTP endpoint.
	BrokerUrl string `mapstructure:"broker_url"`
	// Service identifier this worker serves.
	ServiceID string `mapstructure:"service_id"`
	// Command invoked for each work item. The operation payload is
	// passed on standard input.
	Command []string `mapstructure:"command"`
	// Pod name reported to the broker. Derived from the hostname and
	// machine identity when empty.
	PodName string `mapstructure:"pod_name"`
	// Sleep between polls that returned no work.
	Backoff time.Duration `mapstructure:"backoff"`
	// HTTP request timeout for polls. Must exceed the broker's long
	// poll wait.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

func (c *Config) SetDefaults() {
	if c.BrokerUrl == "" {
		c.BrokerUrl = "http://localhost:8080"
	}
	if c.Backoff <= 0 {
		c.Backoff = 3 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("no service_id configured")
	}
	if len(c.Command) == 0 {
		return fmt.Errorf("no command configured")
	}
	return nil
}

func (c *Config) Log() {
	log.Info("Worker configuration:")
	log.Infof("  Broker URL: %s", c.BrokerUrl)
	log.Infof("  Service ID: %s", c.ServiceID)
	log.Infof("  Command: %v", c.Command)
	log.Infof("  Backoff: %v", c.Backoff)
}
