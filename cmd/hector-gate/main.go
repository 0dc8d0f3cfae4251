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

// Command hector-gate runs the admission control layer.
//
// Usage:
//
//	hector-gate serve --config gate.yaml
//	hector-gate serve --config-type consul --config-endpoints localhost:8500 --config gate/config
//	hector-gate validate --config gate.yaml
//	hector-gate hash-key sk-live-abc123
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	gate "github.com/kadirpekel/hector-gate"
	"github.com/kadirpekel/hector-gate/pkg/auth"
	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/config/provider"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the admission gate."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and print the route policies."`
	HashKey  HashKeyCmd  `cmd:"" name:"hash-key" help:"Print the SHA-256 hash of an API key."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config          string   `short:"c" help:"Config file path, or the key/znode for remote config types." default:"gate.yaml" env:"GATE_CONFIG"`
	ConfigType      string   `name:"config-type" help:"Config source: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper,zk" env:"GATE_CONFIG_TYPE"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Remote config store endpoints." sep:"," env:"GATE_CONFIG_ENDPOINTS"`
	EnvFile         []string `name:"env-file" help:"Environment files to load before reading config." type:"path"`

	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFile   string `help:"Log file path (empty = stderr). Overrides the config file."`
	LogFormat string `help:"Log format (simple, verbose, json). Overrides the config file."`
}

// providerConfig describes where the config lives.
func (c *CLI) providerConfig() (provider.ProviderConfig, error) {
	typ, err := provider.ParseType(c.ConfigType)
	if err != nil {
		return provider.ProviderConfig{}, err
	}
	return provider.ProviderConfig{
		Type:      typ,
		Path:      c.Config,
		Endpoints: c.ConfigEndpoints,
	}, nil
}

// loadDotEnv loads env files before config so ${VAR} references resolve.
func (c *CLI) loadDotEnv() error {
	configPath := ""
	if c.ConfigType == "" || c.ConfigType == string(provider.TypeFile) {
		configPath = c.Config
	}
	return config.LoadDotEnv(configPath, c.EnvFile...)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(gate.GetVersion())
	return nil
}

// HashKeyCmd hashes an API key for the api_keys table.
type HashKeyCmd struct {
	Key string `arg:"" help:"The API key. Use - to read it from stdin."`
}

func (c *HashKeyCmd) Run() error {
	key := c.Key
	if key == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(string(data))
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	fmt.Println(auth.HashKey(key))
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("hector-gate"),
		kong.Description("Admission control: credential validation and per-client rate limiting."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
