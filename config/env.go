package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// env reads typed variables and collects parse errors instead of
// silently falling back to defaults.
type env struct {
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (e *env) String(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *env) Int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) Decimal(key, def string) decimal.Decimal {
	v, ok := e.lookup(key)
	if !ok {
		return decimal.RequireFromString(def)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		e.fail(key, v, err)
		return decimal.RequireFromString(def)
	}
	return d
}

// List splits a comma-separated value.
func (e *env) List(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
