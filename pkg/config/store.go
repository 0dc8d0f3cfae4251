// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"time"
)

// StoreConfig selects and configures the quota store.
//
// The memory backend keeps buckets per process. The redis and sql backends
// share buckets between replicas.
type StoreConfig struct {
	// Backend is "memory", "redis" or "sql".
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	// Timeout bounds every store call made by the limiter.
	// Default: 500ms
	Timeout time.Duration `yaml:"timeout,omitempty"`

	Memory   MemoryStoreConfig `yaml:"memory,omitempty"`
	Redis    RedisConfig       `yaml:"redis,omitempty"`
	Database *DatabaseConfig   `yaml:"database,omitempty"`
}

// MemoryStoreConfig configures the in-process store.
type MemoryStoreConfig struct {
	// Default: 64
	Shards int `yaml:"shards,omitempty"`

	// LockTimeout bounds the wait for a shard lock.
	// Default: 50ms
	LockTimeout time.Duration `yaml:"lock_timeout,omitempty"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// URL, e.g. redis://:password@localhost:6379/0, takes precedence over
	// Addresses.
	URL string `yaml:"url,omitempty"`

	// Addresses with more than one entry selects cluster mode.
	// Default: ["localhost:6379"]
	Addresses []string `yaml:"addresses,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// Default: 10
	PoolSize   int `yaml:"pool_size,omitempty"`
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Default: 5s
	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`

	// Default: "ratelimit"
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// SetDefaults applies default values to StoreConfig.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Timeout == 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.Memory.Shards == 0 {
		c.Memory.Shards = 64
	}
	if c.Memory.LockTimeout == 0 {
		c.Memory.LockTimeout = 50 * time.Millisecond
	}

	if c.Backend == "redis" {
		if c.Redis.URL == "" && len(c.Redis.Addresses) == 0 {
			c.Redis.Addresses = []string{"localhost:6379"}
		}
		if c.Redis.PoolSize == 0 {
			c.Redis.PoolSize = 10
		}
		if c.Redis.DialTimeout == 0 {
			c.Redis.DialTimeout = 5 * time.Second
		}
		if c.Redis.KeyPrefix == "" {
			c.Redis.KeyPrefix = "ratelimit"
		}
	}

	if c.Database != nil {
		c.Database.SetDefaults()
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	switch c.Backend {
	case "memory":
		if c.Memory.Shards < 1 {
			return fmt.Errorf("memory.shards must be at least 1")
		}
		if c.Memory.LockTimeout < 0 {
			return fmt.Errorf("memory.lock_timeout must be non-negative")
		}
	case "redis":
		if c.Redis.PoolSize < 1 {
			return fmt.Errorf("redis.pool_size must be at least 1")
		}
		if c.Redis.MaxRetries < 0 {
			return fmt.Errorf("redis.max_retries must be non-negative")
		}
	case "sql":
		if c.Database == nil {
			return fmt.Errorf("database is required when backend is sql")
		}
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, redis, sql)", c.Backend)
	}
	return nil
}
