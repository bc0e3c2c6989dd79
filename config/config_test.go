package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestParseCollections(t *testing.T) {
	collections, err := ParseCollections(" Owner, Pet+Dog+Cat ,Toy")
	require.NoError(t, err)
	require.Equal(t, Collections{
		{Primary: "Owner", Types: []string{"Owner"}},
		{Primary: "Pet", Types: []string{"Pet", "Dog", "Cat"}},
		{Primary: "Toy", Types: []string{"Toy"}},
	}, collections)
}

func TestCollectionsFamily(t *testing.T) {
	collections, err := ParseCollections("Owner,Pet+Dog+Cat")
	require.NoError(t, err)
	require.Equal(t, "Pet", collections.Family("Dog"))
	require.Equal(t, "Pet", collections.Family("Pet"))
	require.Equal(t, "Owner", collections.Family("Owner"))
	require.Equal(t, "Toy", collections.Family("Toy"))
}

func TestParseCollectionsErrors(t *testing.T) {
	for _, input := range []string{"", " , ", "Owner,Pet+", "Owner,Pet+Owner"} {
		_, err := ParseCollections(input)
		require.Error(t, err, "input %q", input)
	}
}

func TestClientConfigFromEnvironment(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	t.Setenv("COLLECTIONS", "Owner,Pet+Dog")
	t.Setenv("PRIVATE_KEY", hex.EncodeToString(key.Serialize()))
	t.Setenv("RETRY_DELAY_MS", "250")

	config, err := NewClientConfig()
	require.NoError(t, err)
	require.Len(t, config.Collections, 2)
	require.Equal(t, key.Serialize(), config.PrivateKey.Key.Serialize())
	require.Equal(t, 250*time.Millisecond, config.RetryDelay())
	require.Equal(t, 5, config.MaxRetries)
	require.Equal(t, "localhost:8080", config.RemoteAddress)
}

func TestClientConfigRequiresCollections(t *testing.T) {
	t.Setenv("COLLECTIONS", "")
	_, err := NewClientConfig()
	require.Error(t, err)
}

func TestInvalidPrivateKey(t *testing.T) {
	require.Error(t, (&PrivateKey{}).UnmarshalEnvironmentValue("zz"))
	require.Error(t, (&PrivateKey{}).UnmarshalEnvironmentValue("0102"))
}

func selfSignedCA(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestServerConfigFromEnvironment(t *testing.T) {
	t.Setenv("CA_CERT", base64.StdEncoding.EncodeToString(selfSignedCA(t)))
	t.Setenv("MAX_PAGE_SIZE", "20")

	config, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, 20, config.MaxPageSize)
	require.Equal(t, "test ca", config.CACertificate().Subject.CommonName)
	require.Equal(t, time.Second, config.RateLimitRetry())
	require.Equal(t, "1.0", config.SchemaVersion)
}

func TestServerConfigRejectsBadCertificate(t *testing.T) {
	t.Setenv("CA_CERT", base64.StdEncoding.EncodeToString([]byte("not pem")))
	_, err := NewConfig()
	require.Error(t, err)
}

func TestServerConfigRejectsZeroPageSize(t *testing.T) {
	t.Setenv("MAX_PAGE_SIZE", "0")
	_, err := NewConfig()
	require.Error(t, err)
}
