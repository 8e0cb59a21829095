package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreMemory   StoreKind = "memory"
)

type Config struct {
	ServerAddr     string
	Store          StoreKind
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	// RedisURL enables the cross-instance event relay when set.
	RedisURL           string
	IdleRoomTimeout    time.Duration
	PresenceStaleAfter time.Duration
	SweepInterval      time.Duration
}

type Params struct {
	ServerAddr         string
	Store              string
	DatabaseDSN        string
	Base64Secret       string
	AllowedOrigins     []string
	RedisURL           string
	IdleRoomTimeout    time.Duration
	PresenceStaleAfter time.Duration
	SweepInterval      time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	store := StoreKind(p.Store)
	switch store {
	case StorePostgres:
		if p.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", p.Store)
	}

	if p.Base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	signingKey, err := decodeSigningSecret(p.Base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if p.IdleRoomTimeout < 0 || p.PresenceStaleAfter < 0 || p.SweepInterval < 0 {
		return nil, fmt.Errorf("timeouts cannot be negative")
	}
	if p.SweepInterval > 0 && p.PresenceStaleAfter > 0 && p.SweepInterval > p.PresenceStaleAfter {
		return nil, fmt.Errorf("sweep interval %s exceeds presence timeout %s", p.SweepInterval, p.PresenceStaleAfter)
	}

	return &Config{
		ServerAddr:         p.ServerAddr,
		Store:              store,
		DatabaseDSN:        p.DatabaseDSN,
		SigningKey:         signingKey,
		AllowedOrigins:     p.AllowedOrigins,
		RedisURL:           p.RedisURL,
		IdleRoomTimeout:    p.IdleRoomTimeout,
		PresenceStaleAfter: p.PresenceStaleAfter,
		SweepInterval:      p.SweepInterval,
	}, nil
}
