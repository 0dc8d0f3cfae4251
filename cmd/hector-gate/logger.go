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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/logger"
)

// initLogger installs the process logger. CLI flags take precedence over
// the config file's logger section.
func initLogger(cli *CLI, cfg *config.LoggerConfig) (*slog.Logger, func(), error) {
	level, file, format := "info", "", logger.FormatSimple
	if cfg != nil {
		level, file, format = cfg.Level, cfg.File, cfg.Format
	}
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	if cli.LogFile != "" {
		file = cli.LogFile
	}
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer = os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, cleanup = f, closeFn
	}

	return logger.Init(lvl, output, format), cleanup, nil
}
