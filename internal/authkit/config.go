package authkit

import "time"

// ServerConfig configures token signing, issuers, and TTLs.
type ServerConfig struct {
	AccessSigningKey  []byte
	RefreshSigningKey []byte
	Issuer            string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	GoogleWebClientID string
	NonceTTL          time.Duration
}

// refreshKey falls back to the access key when no dedicated refresh key is configured.
func (configuration ServerConfig) refreshKey() []byte {
	if len(configuration.RefreshSigningKey) == 0 {
		return configuration.AccessSigningKey
	}
	return configuration.RefreshSigningKey
}
