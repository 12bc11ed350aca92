package lambda

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names for the serverless backend.
const (
	envRole         = "CONDUIT_LAMBDA_ROLE"
	envRegistry     = "CONDUIT_LAMBDA_REGISTRY"
	envRepository   = "CONDUIT_LAMBDA_REPOSITORY"
	envDefaultImage = "CONDUIT_LAMBDA_DEFAULT_IMAGE"
	envMemoryMB     = "CONDUIT_LAMBDA_MEMORY_MB"
)

// Config holds configuration for the serverless backend.
type Config struct {
	// Role is the execution role ARN functions run under.
	Role string

	// Registry and Repository locate runtime images; DefaultImage is the
	// verbatim reference for the designated default runtime.
	Registry     string
	Repository   string
	DefaultImage string

	// MemoryMB is the function memory size.
	MemoryMB int32
}

// LoadConfig reads serverless backend configuration from environment
// variables.
func LoadConfig() Config {
	cfg := Config{
		Role:         os.Getenv(envRole),
		Registry:     os.Getenv(envRegistry),
		Repository:   os.Getenv(envRepository),
		DefaultImage: os.Getenv(envDefaultImage),
		MemoryMB:     512,
	}
	if v := os.Getenv(envMemoryMB); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			cfg.MemoryMB = int32(n)
		}
	}
	return cfg
}

// Validate checks that required settings are present. A missing setting is a
// configuration error, fatal at factory-construction time.
func (c Config) Validate() error {
	if c.Role == "" {
		return fmt.Errorf("%s is required", envRole)
	}
	if c.Registry == "" {
		return fmt.Errorf("%s is required", envRegistry)
	}
	if c.Repository == "" {
		return fmt.Errorf("%s is required", envRepository)
	}
	if c.DefaultImage == "" {
		return fmt.Errorf("%s is required", envDefaultImage)
	}
	return nil
}
