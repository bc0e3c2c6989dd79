package middleware

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/breez/public-sync/rpc"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)
}

func signedRequest(t *testing.T, key *btcec.PrivateKey) *rpc.SetRecordRequest {
	t.Helper()
	req := &rpc.SetRecordRequest{
		Record:      &rpc.Record{Id: "p1", Type: "Pet", ParentId: "o1", Data: []byte("rex"), SchemaVersion: "1.0"},
		RequestTime: uint32(time.Now().Unix()),
	}
	sig, err := SignMessage(key, []byte(SignSetRecord(req.Record, req.RequestTime)))
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func TestAuthenticateSetRecord(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ctx, err := Authenticate(context.Background(), signedRequest(t, key))
	require.NoError(t, err)
	author, ok := AuthorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), author)
}

func TestAuthenticateDetectsTampering(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	req := signedRequest(t, key)
	req.Record.ParentId = "o2"

	ctx, err := Authenticate(context.Background(), req)
	if err == nil {
		// Recovery yields some key, just not the signer's.
		author, _ := AuthorFromContext(ctx)
		require.NotEqual(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), author)
	}
}

func TestAuthenticatePassesReads(t *testing.T) {
	ctx, err := Authenticate(context.Background(), &rpc.QueryRequest{RecordType: "Pet"})
	require.NoError(t, err)
	_, ok := AuthorFromContext(ctx)
	require.False(t, ok)
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
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
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) apiKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func withAuthorization(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
}

func TestCheckApiKey(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, CheckApiKey(ca.cert, withAuthorization("Bearer "+ca.apiKey(t))))

	other := newTestCA(t)
	require.Error(t, CheckApiKey(ca.cert, withAuthorization("Bearer "+other.apiKey(t))))
	require.Error(t, CheckApiKey(ca.cert, withAuthorization("Basic abc")))
	require.Error(t, CheckApiKey(ca.cert, context.Background()))
	require.Error(t, CheckApiKey(ca.cert, metadata.NewIncomingContext(context.Background(), metadata.MD{})))
}

func TestUnaryServerInterceptor(t *testing.T) {
	ca := newTestCA(t)
	interceptor := UnaryServerInterceptor(ca.cert)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: rpc.QueryMethod}

	_, err := interceptor(context.Background(), &rpc.QueryRequest{}, info, handler)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	reply, err := interceptor(withAuthorization("Bearer "+ca.apiKey(t)), &rpc.QueryRequest{}, info, handler)
	require.NoError(t, err)
	require.Equal(t, "ok", reply)

	_, err = interceptor(withAuthorization("Bearer "+ca.apiKey(t)), &rpc.SetRecordRequest{Signature: "!!"}, info, handler)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestUnaryServerInterceptorWithoutCA(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var author string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		author, _ = AuthorFromContext(ctx)
		return nil, nil
	}

	_, err = UnaryServerInterceptor(nil)(context.Background(), signedRequest(t, key), &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(key.PubKey().SerializeCompressed()), author)
}
