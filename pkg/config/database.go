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
	"strings"
)

// DatabaseConfig configures the SQL quota store connection.
// Supports PostgreSQL, MySQL, and SQLite.
//
// Example:
//
//	store:
//	  backend: sql
//	  database:
//	    driver: postgres
//	    host: localhost
//	    database: gate
//	    username: gate
//	    password: ${DB_PASSWORD}
type DatabaseConfig struct {
	// Driver is "postgres", "mysql" or "sqlite".
	Driver string `yaml:"driver"`

	// Host and Port are ignored for SQLite.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// Database is the database name, or the file path for SQLite.
	Database string `yaml:"database"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// SSLMode for PostgreSQL. Default: disable
	SSLMode string `yaml:"ssl_mode,omitempty"`

	// Default: 25
	MaxConns int `yaml:"max_conns,omitempty"`

	// Default: 5
	MaxIdle int `yaml:"max_idle,omitempty"`
}

// SetDefaults applies default values to the database config.
func (c *DatabaseConfig) SetDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite", "sqlite3":
	case "":
		return fmt.Errorf("driver is required")
	default:
		return fmt.Errorf("invalid driver %q (valid: postgres, mysql, sqlite)", c.Driver)
	}

	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Dialect() != "sqlite" && c.Host == "" {
		return fmt.Errorf("host is required for %s", c.Driver)
	}
	if c.MaxConns < 0 || c.MaxIdle < 0 {
		return fmt.Errorf("max_conns and max_idle must be non-negative")
	}
	return nil
}

// DSN returns the connection string for the configured driver.
//
// SQLite connections begin transactions with BEGIN IMMEDIATE so that the
// quota store's read-modify-write runs under the write lock, and wait up to
// five seconds for that lock.
func (c *DatabaseConfig) DSN() string {
	switch c.Dialect() {
	case "postgres":
		parts := []string{
			fmt.Sprintf("host=%s", c.Host),
			fmt.Sprintf("port=%d", c.Port),
			fmt.Sprintf("dbname=%s", c.Database),
		}
		if c.Username != "" {
			parts = append(parts, "user="+c.Username)
		}
		if c.Password != "" {
			parts = append(parts, "password="+c.Password)
		}
		if c.SSLMode != "" {
			parts = append(parts, "sslmode="+c.SSLMode)
		}
		return strings.Join(parts, " ")
	case "mysql":
		// [username[:password]@]tcp(host:port)/dbname
		creds := ""
		if c.Username != "" {
			creds = c.Username + ":" + c.Password + "@"
		}
		return fmt.Sprintf("%stcp(%s:%d)/%s", creds, c.Host, c.Port, c.Database)
	case "sqlite":
		sep := "?"
		if strings.Contains(c.Database, "?") {
			sep = "&"
		}
		return c.Database + sep + "_txlock=immediate&_busy_timeout=5000"
	default:
		return ""
	}
}

// DriverName returns the database/sql driver name.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// Dialect returns the SQL dialect: "postgres", "mysql" or "sqlite".
func (c *DatabaseConfig) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}
