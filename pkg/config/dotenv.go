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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set are never overwritten, so earlier files win.
//
// Search order:
//  1. explicit paths (missing explicit files are an error)
//  2. .env next to the config file, if configPath is a local file
//  3. .env in the working directory
func LoadDotEnv(configPath string, paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		slog.Debug("Loaded environment file", "path", path)
	}

	var candidates []string
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(abs), ".env"))
		}
	}
	candidates = append(candidates, ".env")

	for _, path := range candidates {
		if err := loadIfExists(path); err != nil {
			return err
		}
	}
	return nil
}

func loadIfExists(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Ignoring unreadable .env file", "path", path, "error", err)
		return nil
	}
	slog.Debug("Loaded environment file", "path", path)
	return nil
}
