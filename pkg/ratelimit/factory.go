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

package ratelimit

import (
	"context"
	"fmt"

	"github.com/kadirpekel/hector-gate/pkg/config"
)

// NewStoreFromConfig creates the configured store. SQL connections come from
// pool so they are shared and closed with it.
//
// Example config:
//
//	store:
//	  backend: sql
//	  database:
//	    driver: sqlite
//	    database: ./.hector/gate.db
func NewStoreFromConfig(ctx context.Context, cfg *config.StoreConfig, rl *config.RateLimitConfig, pool *config.DBPool) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(
			WithShards(cfg.Memory.Shards),
			WithLockTimeout(cfg.Memory.LockTimeout),
		), nil

	case "redis":
		store, err := NewRedisStore(ctx, RedisConfig{
			URL:          cfg.Redis.URL,
			Addrs:        cfg.Redis.Addresses,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			IdleTTL:      rl.IdleTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		return store, nil

	case "sql":
		if pool == nil {
			return nil, fmt.Errorf("DBPool is required for the sql store")
		}
		if cfg.Database == nil {
			return nil, fmt.Errorf("store.database is required when backend is sql")
		}
		db, err := pool.Get(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		store, err := NewSQLStore(db, cfg.Database.Dialect())
		if err != nil {
			return nil, fmt.Errorf("failed to create sql store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

// NewPolicySetFromConfig builds the route table. The default policy becomes
// the fallback for unlisted routes.
func NewPolicySetFromConfig(cfg *config.RateLimitConfig) (*PolicySet, error) {
	routes := make(map[string]Policy, len(cfg.Routes))
	for route, pc := range cfg.Routes {
		routes[route] = policyFromConfig(pc)
	}

	var fallback *Policy
	if cfg.DefaultPolicy != nil {
		p := policyFromConfig(*cfg.DefaultPolicy)
		fallback = &p
	}
	return NewPolicySet(routes, fallback)
}

func policyFromConfig(pc config.PolicyConfig) Policy {
	return Policy{
		ID:        pc.ID,
		Window:    pc.Window,
		Limit:     pc.Limit,
		Burst:     pc.Burst,
		Algorithm: Algorithm(pc.Algorithm),
	}
}
