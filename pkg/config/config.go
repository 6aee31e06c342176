// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package config is the typed, process-wide key→value store: a viper
// instance seeded with defaults, overridable from environment variables
// and CLI flags, and frozen read-only once the worker starts running.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BrokerURI is the parsed form of a broker connection string.
type BrokerURI struct {
	TLS      bool
	Host     string
	Port     int
	VHost    string
	Username string
	Password string
}

// Store wraps a *viper.Viper with startup defaults and a freeze gate:
// configuration is written only at startup and read-only during run.
type Store struct {
	v      *viper.Viper
	frozen atomic.Bool
}

// NewStore builds a Store seeded with defaults. Keys are matched
// case-insensitively, as viper does throughout.
func NewStore(defaults map[string]any) *Store {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.AutomaticEnv()

	return &Store{v: v}
}

// BindEnv exposes viper's env-binding so callers can wire specific keys
// to specific environment variable names (e.g. AMQP_URL).
func (s *Store) BindEnv(key string, envVars ...string) error {
	args := append([]string{key}, envVars...)
	if err := s.v.BindEnv(args...); err != nil {
		return fmt.Errorf("bind env %q: %w", key, err)
	}

	return nil
}

// BindPFlags wires a pflag.FlagSet onto this store, the mechanism
// cmd/sluiced uses to let CLI flags override environment and defaults.
func (s *Store) BindPFlags(flags *pflag.FlagSet) error {
	if err := s.v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	return nil
}

// Set assigns a value at runtime. It panics once Freeze has been called,
// enforcing that configuration is read-only during steady-state.
func (s *Store) Set(key string, value any) {
	if s.frozen.Load() {
		panic(fmt.Sprintf("config: Set(%q) after Freeze", key))
	}

	s.v.Set(key, value)
}

// Freeze forbids further Set calls. Worker.Run calls this once setup
// callbacks have run.
func (s *Store) Freeze() {
	s.frozen.Store(true)
}

func (s *Store) String(key string) string        { return s.v.GetString(key) }
func (s *Store) Int(key string) int              { return s.v.GetInt(key) }
func (s *Store) Bool(key string) bool            { return s.v.GetBool(key) }
func (s *Store) StringSlice(key string) []string { return s.v.GetStringSlice(key) }

// StringMapStringSlice reads a key as map[string][]string, used for
// consumer_groups.
func (s *Store) StringMapStringSlice(key string) map[string][]string {
	raw := s.v.GetStringMapStringSlice(key)
	if raw == nil {
		return map[string][]string{}
	}

	return raw
}

// URI parses the broker connection string at key. When key is unset it
// falls back to the discrete host/port/vhost/username/password keys
// named by the fallback* arguments.
func (s *Store) URI(key string, fallbackHost, fallbackPort, fallbackVHost, fallbackUser, fallbackPass string) (BrokerURI, error) {
	raw := s.v.GetString(key)
	if raw == "" {
		return s.discreteURI(fallbackHost, fallbackPort, fallbackVHost, fallbackUser, fallbackPass)
	}

	return ParseBrokerURI(raw)
}

func (s *Store) discreteURI(hostKey, portKey, vhostKey, userKey, passKey string) (BrokerURI, error) {
	host := s.v.GetString(hostKey)
	if host == "" {
		return BrokerURI{}, fmt.Errorf("config: %q not set and no discrete host configured", hostKey)
	}

	port := s.v.GetInt(portKey)
	if port == 0 {
		port = 5672
	}

	vhost := s.v.GetString(vhostKey)
	if vhost == "" {
		vhost = "/"
	}

	return BrokerURI{
		Host:     host,
		Port:     port,
		VHost:    vhost,
		Username: s.v.GetString(userKey),
		Password: s.v.GetString(passKey),
	}, nil
}

// ParseBrokerURI parses an amqp:// or amqps:// connection string.
// Default ports are 5672 (plain) and 5671 (TLS); the vhost defaults to
// "/" when empty.
func ParseBrokerURI(raw string) (BrokerURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return BrokerURI{}, fmt.Errorf("parse broker uri: %w", err)
	}

	var tls bool

	switch u.Scheme {
	case "amqp":
		tls = false
	case "amqps":
		tls = true
	default:
		return BrokerURI{}, fmt.Errorf("parse broker uri: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return BrokerURI{}, fmt.Errorf("parse broker uri: missing host")
	}

	port := 5672
	if tls {
		port = 5671
	}

	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return BrokerURI{}, fmt.Errorf("parse broker uri: invalid port %q: %w", p, err)
		}
	}

	vhost := strings.TrimPrefix(u.Path, "/")
	if vhost == "" {
		vhost = "/"
	}

	password, _ := u.User.Password()

	return BrokerURI{
		TLS:      tls,
		Host:     host,
		Port:     port,
		VHost:    vhost,
		Username: u.User.Username(),
		Password: password,
	}, nil
}

// DialAddress renders a BrokerURI back into a dial string for the AMQP
// driver.
func (b BrokerURI) DialAddress() string {
	scheme := "amqp"
	if b.TLS {
		scheme = "amqps"
	}

	vhostPath := b.VHost
	if vhostPath == "/" {
		vhostPath = ""
	}

	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(b.Username, b.Password),
		Host:   fmt.Sprintf("%s:%d", b.Host, b.Port),
		Path:   "/" + vhostPath,
	}

	return u.String()
}

// Namespace lower-cases ns and strips characters outside [-:.\w],
// producing a broker-safe queue-name prefix.
func Namespace(ns string) string {
	lower := strings.ToLower(ns)

	var b strings.Builder

	for _, r := range lower {
		if r == '-' || r == ':' || r == '.' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}
