package main

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terrapipe/broker/pkg/dispatch"
	"github.com/terrapipe/broker/pkg/fleet"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/queue"
)

type Config struct {
	// Addresses to listen on for HTTP.
	ListenHttp []string `mapstructure:"listen_http"`
	// Path of the work catalog database.
	DatabasePath string `mapstructure:"database_path"`
	// Known backend service identifiers.
	Services []string `mapstructure:"services"`
	// Deliver work through service queues instead of polling the
	// catalog directly.
	QueueMode bool `mapstructure:"queue_mode"`
	// Run the scheduler loop inside this process (queue mode only).
	RunScheduler bool `mapstructure:"run_scheduler"`
	// Bounded wait of a worker poll against an empty service queue.
	LongPollWait time.Duration `mapstructure:"long_poll_wait"`
	// Page size granted to catalog query services.
	CmrPageSize int `mapstructure:"cmr_page_size"`
	// Redis connection for service queues and the control channel.
	Redis RedisConfig `mapstructure:"redis"`
	// Queue key mapping.
	Queues QueueConfig `mapstructure:"queues"`
	// Scheduler configuration.
	Scheduler dispatch.SchedulerConfig `mapstructure:"scheduler"`
	// Worker fleet inventory configuration.
	Fleet FleetConfig `mapstructure:"fleet"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	// Map of service identifier to queue key.
	ServiceKeys map[string]string `mapstructure:"service_keys"`
	// Key of the control channel queue.
	ControlKey string `mapstructure:"control_key"`
}

type FleetConfig struct {
	// "kubernetes" or "static".
	Mode string `mapstructure:"mode"`
	// Kubeconfig path used outside the cluster.
	Kubeconfig string `mapstructure:"kubeconfig"`
	// Namespace the worker pods run in.
	Namespace string `mapstructure:"namespace"`
	// Pod label carrying the service name.
	LabelKey string `mapstructure:"label_key"`
	// Static pod counts per service.
	StaticCounts map[string]int `mapstructure:"static_counts"`
	// Static count for unlisted services.
	DefaultCount int `mapstructure:"default_count"`
}

func (c *Config) SetDefaults() {
	if len(c.ListenHttp) == 0 {
		c.ListenHttp = []string{":8080"}
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "terrapipe.db"
	}
	if c.LongPollWait <= 0 {
		c.LongPollWait = 20 * time.Second
	}
	if c.CmrPageSize <= 0 {
		c.CmrPageSize = 2000
	}
	if c.Queues.ControlKey == "" {
		c.Queues.ControlKey = "terrapipe:schedule"
	}
	if c.Fleet.Mode == "" {
		c.Fleet.Mode = "static"
	}
	c.Scheduler.SetDefaults()
}

func (c *Config) Log() {
	log.Info("Broker configuration:")
	log.Infof("  HTTP listen addresses: %v", c.ListenHttp)
	log.Infof("  Database path: %s", c.DatabasePath)
	log.Infof("  Services: %v", c.Services)
	log.Infof("  Queue mode: %v", c.QueueMode)
	log.Infof("  Run scheduler: %v", c.RunScheduler)
	log.Infof("  Long poll wait: %v", c.LongPollWait)
	log.Infof("  Fleet mode: %s", c.Fleet.Mode)
}

// Build the queue registry: Redis-backed when an address is configured,
// otherwise in-process queues for single-process development.
func newRegistry(c *Config) (queue.Registry, error) {
	if c.Redis.Addr == "" {
		log.Warn("No redis address configured, using in-process queues")
		return queue.NewMemoryRegistry(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	return queue.NewRedisRegistry(client, c.Queues.ServiceKeys, c.Queues.ControlKey), nil
}

func newPodCounter(c *Config) (fleet.PodCounter, error) {
	if c.Fleet.Mode == "kubernetes" {
		return fleet.NewInClusterCounter(c.Fleet.Kubeconfig, c.Fleet.Namespace, c.Fleet.LabelKey)
	}
	return fleet.NewStaticCounter(c.Fleet.StaticCounts, c.Fleet.DefaultCount), nil
}
