// Package env reads process environment variables before config.Load has
// run, mainly for bootstrap concerns like the initial log level.
package env

import "os"

// Get returns the named variable, or fallback when it is unset or empty.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
