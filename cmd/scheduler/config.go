package main

import (
	"github.com/redis/go-redis/v9"

	"github.com/terrapipe/broker/pkg/dispatch"
	"github.com/terrapipe/broker/pkg/fleet"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/queue"
	"github.com/terrapipe/broker/pkg/utils"
)

type Config struct {
	// Path of the work catalog database.
	DatabasePath string `mapstructure:"database_path"`
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
	ServiceKeys map[string]string `mapstructure:"service_keys"`
	ControlKey  string            `mapstructure:"control_key"`
}

type FleetConfig struct {
	Mode         string         `mapstructure:"mode"`
	Kubeconfig   string         `mapstructure:"kubeconfig"`
	Namespace    string         `mapstructure:"namespace"`
	LabelKey     string         `mapstructure:"label_key"`
	StaticCounts map[string]int `mapstructure:"static_counts"`
	DefaultCount int            `mapstructure:"default_count"`
}

func (c *Config) SetDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "terrapipe.db"
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
	log.Info("Scheduler configuration:")
	log.Infof("  Database path: %s", c.DatabasePath)
	log.Infof("  Redis address: %s", c.Redis.Addr)
	log.Infof("  Control queue: %s", c.Queues.ControlKey)
	log.Infof("  Batch size: %d", c.Scheduler.BatchSize)
	log.Infof("  Max requests per cycle: %d", c.Scheduler.MaxRequestsPerCycle)
	log.Infof("  Coefficient: %.2f", c.Scheduler.Coefficient)
	log.Infof("  Fleet mode: %s", c.Fleet.Mode)
}

// The standalone scheduler requires an external queue; in-process
// queues would be invisible to the broker.
func newRegistry(c *Config) (queue.Registry, error) {
	if c.Redis.Addr == "" {
		return nil, utils.ErrNoQueueForService
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
