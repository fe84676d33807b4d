package client

import (
	"fmt"
	"log/slog"
	"os"
)

// Environment variables for tools and examples that have no config
// file to read.
const (
	DefaultSynapTargetVar     = "SYNAP_TARGET"
	DefaultSynapDomainVar     = "SYNAP_CLIENT_DOMAIN"
	DefaultSynapSkipVerifyVar = "SYNAP_SKIP_VERIFY"
)

// CreateClientFromEnv builds a client from the SYNAP_* environment
// variables. SYNAP_TARGET (host:port) is required; the rest default to
// empty and false.
func CreateClientFromEnv(logger *slog.Logger) (*Client, error) {
	target := os.Getenv(DefaultSynapTargetVar)
	if target == "" {
		return nil, fmt.Errorf("%s is not set", DefaultSynapTargetVar)
	}

	return NewClient(&Config{
		HostPort:     target,
		ClientDomain: os.Getenv(DefaultSynapDomainVar),
		SkipVerify:   os.Getenv(DefaultSynapSkipVerifyVar) == "true",
		Logger:       logger,
	})
}
