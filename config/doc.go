// Package config loads adapter configuration from yaml files and the
// environment. Files are resolved per exchange (config/exchanges/
// first, then shared locations), a per-exchange .env overrides the
// shared one, and UPPER_SNAKE environment variables map onto nested
// keys. All lookups go through the FileSystem interface so tests can
// run against a fake tree.
package config
