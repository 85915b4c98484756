// Package config loads crossroads settings from defaults, an optional TOML
// file and CROSSROADS_* environment variables, then validates them once so
// the rest of the process can trust the values.
package config
