package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         int
	StorePath    string
	StoreBackend string // "file" or "sqlite"
	ReadTimeout  int    // seconds, bounds the handshake and each credential block
	WriteTimeout int    // seconds
}

func Load() *Config {
	cfg := &Config{
		Port:         3217,
		StorePath:    "accounts.dat",
		StoreBackend: "file",
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	if portStr := os.Getenv("DUOCHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if path := os.Getenv("DUOCHAT_STORE"); path != "" {
		cfg.StorePath = path
	}

	if backend := os.Getenv("DUOCHAT_STORE_BACKEND"); backend != "" {
		cfg.StoreBackend = backend
	}

	if timeoutStr := os.Getenv("DUOCHAT_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("DUOCHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	return cfg
}
