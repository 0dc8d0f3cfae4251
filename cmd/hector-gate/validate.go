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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

// ValidateCmd validates the configuration.
type ValidateCmd struct {
	Format      string `short:"f" help:"Output format: compact, json." default:"compact" enum:"compact,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (with defaults applied and env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	if err := cli.loadDotEnv(); err != nil {
		return err
	}
	pcfg, err := cli.providerConfig()
	if err != nil {
		return err
	}

	cfg, loader, err := config.LoadConfig(ctx, pcfg)
	if err != nil {
		return printLoadError(os.Stdout, c.Format, cli.Config, err)
	}
	defer loader.Close()

	policies, err := ratelimit.NewPolicySetFromConfig(&cfg.RateLimit)
	if err != nil {
		return printLoadError(os.Stdout, c.Format, cli.Config, err)
	}

	if c.PrintConfig {
		return printConfig(os.Stdout, c.Format, cfg)
	}
	return printPolicies(os.Stdout, c.Format, cli.Config, policies)
}

type policyView struct {
	Route     string `json:"route"`
	ID        string `json:"id"`
	Algorithm string `json:"algorithm"`
	Limit     int64  `json:"limit"`
	Burst     int64  `json:"burst"`
	Window    string `json:"window"`
}

func policyViews(ps *ratelimit.PolicySet) []policyView {
	var views []policyView
	add := func(route string, p *ratelimit.Policy) {
		views = append(views, policyView{
			Route:     route,
			ID:        p.ID,
			Algorithm: string(p.EffectiveAlgorithm()),
			Limit:     p.Limit,
			Burst:     p.Burst,
			Window:    p.Window.String(),
		})
	}
	for _, route := range ps.Routes() {
		p, _ := ps.Lookup(route)
		add(route, p)
	}
	if fb := ps.Fallback(); fb != nil {
		add(ratelimit.WildcardRoute, fb)
	}
	return views
}

func printPolicies(w io.Writer, format, path string, ps *ratelimit.PolicySet) error {
	views := policyViews(ps)
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"valid": true, "file": path, "policies": views})
	}

	fmt.Fprintf(w, "%s: valid\n\n", path)
	if len(views) == 0 {
		fmt.Fprintln(w, "rate limiting disabled")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tPOLICY\tALGORITHM\tLIMIT\tBURST\tWINDOW")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", v.Route, v.ID, v.Algorithm, v.Limit, v.Burst, v.Window)
	}
	if ps.Fallback() == nil {
		fmt.Fprintln(tw, "*\t(rejected)\t\t\t\t")
	}
	return tw.Flush()
}

func printConfig(w io.Writer, format string, cfg *config.Config) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func printLoadError(w io.Writer, format, path string, err error) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"valid": false, "file": path, "error": err.Error()})
	} else {
		fmt.Fprintf(w, "%s: invalid\n  %v\n", path, err)
	}
	return fmt.Errorf("configuration is invalid")
}
