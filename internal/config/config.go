// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads Syncron's server and client configuration from
// environment variables with flag overrides, in the teacher's
// getenv/getenvInt/getenvDuration style.
package config

import (
	"os"
	"strconv"
	"time"
)

// Server is the configuration the serve subcommand needs.
type Server struct {
	DB       string // SYNCRON_DB
	Port     int    // SYNCRON_PORT
	LogLevel string // SYNCRON_LOG_LEVEL
}

// DefaultServer returns the baseline, pre-env, pre-flag configuration.
func DefaultServer() Server {
	return Server{
		DB:       "syncron.sqlite3",
		Port:     8080,
		LogLevel: "info",
	}
}

// ServerFromEnv overlays environment variables onto the defaults; flags
// registered by the caller (cmd/syncron) take precedence over these.
func ServerFromEnv() Server {
	def := DefaultServer()
	return Server{
		DB:       Getenv("SYNCRON_DB", def.DB),
		Port:     GetenvInt("SYNCRON_PORT", def.Port),
		LogLevel: Getenv("SYNCRON_LOG_LEVEL", def.LogLevel),
	}
}

// Client is the configuration the exec subcommand needs.
type Client struct {
	Server string        // SYNCRON_SERVER
	Name   string        // SYNCRON_NAME
	Shell  string        // SYNCRON_SHELL, falls back to SHELL
	Timeout time.Duration
}

// DefaultClient returns the baseline, pre-env, pre-flag configuration.
func DefaultClient() Client {
	return Client{
		Server:  "http://localhost:8080",
		Timeout: 0,
	}
}

// ClientFromEnv overlays environment variables onto the defaults.
func ClientFromEnv() Client {
	def := DefaultClient()
	return Client{
		Server: Getenv("SYNCRON_SERVER", def.Server),
		Name:   Getenv("SYNCRON_NAME", def.Name),
		Shell:  Getenv("SYNCRON_SHELL", ""),
	}
}

func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func GetenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
