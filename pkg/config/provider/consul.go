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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

const (
	consulWaitTime     = 5 * time.Minute
	consulRetryBackoff = time.Second
)

// ConsulProvider reads config from a Consul KV key and watches it with
// blocking queries.
type ConsulProvider struct {
	client *api.Client
	key    string
}

// NewConsulProvider creates a provider for key on the first endpoint.
// An empty endpoint list uses the Consul client defaults (CONSUL_HTTP_ADDR).
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulProvider{client: client, key: key}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the key's value.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	return pair.Value, nil
}

// Watch long-polls the key and signals when its modify index advances.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	_, meta, err := p.client.KV().Get(p.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		index := meta.LastIndex
		for {
			opts := (&api.QueryOptions{WaitIndex: index, WaitTime: consulWaitTime}).WithContext(ctx)
			_, meta, err := p.client.KV().Get(p.key, opts)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("Consul watch failed, retrying", "key", p.key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(consulRetryBackoff):
				}
				continue
			}
			switch {
			case meta.LastIndex > index:
				index = meta.LastIndex
				notify(ch)
			case meta.LastIndex < index:
				// The index went backwards (e.g. a Consul restore); start over.
				index = 0
			}
		}
	}()
	return ch, nil
}

// Close is a no-op; the Consul client holds no persistent connections.
func (p *ConsulProvider) Close() error {
	return nil
}

var _ Provider = (*ConsulProvider)(nil)
