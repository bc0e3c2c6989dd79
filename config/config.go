package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/btcsuite/btcd/btcec/v2"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return fmt.Errorf("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert
	return nil
}

// PrivateKey is a hex encoded secp256k1 key used to sign record writes.
type PrivateKey struct {
	Key *btcec.PrivateKey
}

func (k *PrivateKey) UnmarshalEnvironmentValue(data string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("could not decode hex private key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	k.Key, _ = btcec.PrivKeyFromBytes(raw)
	return nil
}

// Collection is one entry of the priority sequence: a primary record type
// and the other types the same local collection owns.
type Collection struct {
	Primary string
	Types   []string
}

// Collections parses a priority sequence such as "Owner,Pet+Dog+Cat".
// Entries are separated by commas, types within one collection by '+'.
type Collections []Collection

func (c *Collections) UnmarshalEnvironmentValue(data string) error {
	parsed, err := ParseCollections(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func ParseCollections(data string) (Collections, error) {
	var collections Collections
	seen := make(map[string]bool)
	for _, entry := range strings.Split(data, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var types []string
		for _, t := range strings.Split(entry, "+") {
			t = strings.TrimSpace(t)
			if t == "" {
				return nil, fmt.Errorf("empty record type in collection %q", entry)
			}
			if seen[t] {
				return nil, fmt.Errorf("record type %q is owned by more than one collection", t)
			}
			seen[t] = true
			types = append(types, t)
		}
		collections = append(collections, Collection{Primary: types[0], Types: types})
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("no collections configured")
	}
	return collections, nil
}

// Family returns the primary type of the collection owning recordType, or
// recordType itself when no collection owns it.
func (c Collections) Family(recordType string) string {
	for _, collection := range c {
		for _, t := range collection.Types {
			if t == recordType {
				return collection.Primary
			}
		}
	}
	return recordType
}

type Config struct {
	GrpcListenAddress    string       `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	GrpcWebListenAddress string       `env:"GRPC_WEB_LISTEN_ADDRESS"`
	MetricsListenAddress string       `env:"METRICS_LISTEN_ADDRESS"`
	SQLiteDirPath        string       `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl        string       `env:"DATABASE_URL"`
	CACert               *Certificate `env:"CA_CERT"`
	SchemaVersion        string       `env:"SCHEMA_VERSION,default=1.0"`
	MaxPageSize          int          `env:"MAX_PAGE_SIZE,default=100"`
	MaxConcurrentQueries int64        `env:"MAX_CONCURRENT_QUERIES,default=64"`
	RateLimitRetryMs     int          `env:"RATE_LIMIT_RETRY_MS,default=1000"`
	OtelEndpoint         string       `env:"OTEL_ENDPOINT"`
	LogFile              string       `env:"LOG_FILE"`
}

func (c *Config) RateLimitRetry() time.Duration {
	return time.Duration(c.RateLimitRetryMs) * time.Millisecond
}

func (c *Config) CACertificate() *x509.Certificate {
	if c.CACert == nil {
		return nil
	}
	return c.CACert.Raw
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.MaxPageSize <= 0 {
		return nil, fmt.Errorf("MAX_PAGE_SIZE must be positive")
	}
	if config.MaxConcurrentQueries <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_QUERIES must be positive")
	}
	return &config, nil
}

type ClientConfig struct {
	RemoteAddress        string      `env:"REMOTE_ADDRESS,default=localhost:8080"`
	ApiKey               string      `env:"API_KEY"`
	PrivateKey           *PrivateKey `env:"PRIVATE_KEY"`
	LocalDBPath          string      `env:"LOCAL_DB_PATH,default=local.db"`
	Collections          Collections `env:"COLLECTIONS,required=true"`
	SchemaVersion        string      `env:"SCHEMA_VERSION,default=1.0"`
	PageSize             int32       `env:"PAGE_SIZE,default=50"`
	MaxRetries           int         `env:"MAX_RETRIES,default=5"`
	RetryDelayMs         int         `env:"RETRY_DELAY_MS,default=1000"`
	OtelEndpoint         string      `env:"OTEL_ENDPOINT"`
	LogFile              string      `env:"LOG_FILE"`
	MetricsListenAddress string      `env:"METRICS_LISTEN_ADDRESS"`
}

func (c *ClientConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func NewClientConfig() (*ClientConfig, error) {
	var config ClientConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES must not be negative")
	}
	return &config, nil
}
