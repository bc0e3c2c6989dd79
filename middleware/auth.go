package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/breez/public-sync/rpc"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/metadata"
)

type contextKey string

const authorContextKey contextKey = "author_pubkey"

var ErrInvalidSignature = fmt.Errorf("invalid signature")
var SignedMsgPrefix = []byte("publicsync:")

// CheckApiKey verifies that the request carries a client certificate signed
// by caCert in its authorization header.
func CheckApiKey(caCert *x509.Certificate, ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("could not read request metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return fmt.Errorf("missing auth header")
	}
	authHeader := values[0]
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	block, err := base64.StdEncoding.DecodeString(authHeader[7:])
	if err != nil {
		return fmt.Errorf("could not decode auth header: %w", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %w", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(caCert) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}

	return nil
}

// Authenticate verifies the write signature of a SetRecord request and
// attaches the recovered author to the context. Other requests are passed
// through unchanged; reads in the shared space are anonymous.
func Authenticate(ctx context.Context, req interface{}) (context.Context, error) {
	setRecordReq, ok := req.(*rpc.SetRecordRequest)
	if !ok {
		return ctx, nil
	}
	if setRecordReq.Record == nil {
		return nil, fmt.Errorf("missing record")
	}

	toVerify := SignSetRecord(setRecordReq.Record, setRecordReq.RequestTime)
	pubkey, err := VerifyMessage([]byte(toVerify), setRecordReq.Signature)
	if err != nil {
		return nil, err
	}

	return WithAuthor(ctx, hex.EncodeToString(pubkey.SerializeCompressed())), nil
}

func WithAuthor(ctx context.Context, author string) context.Context {
	return context.WithValue(ctx, authorContextKey, author)
}

func AuthorFromContext(ctx context.Context) (string, bool) {
	author, ok := ctx.Value(authorContextKey).(string)
	return author, ok
}

func SignSetRecord(record *rpc.Record, requestTime uint32) string {
	return fmt.Sprintf(
		"%v-%v-%v-%v-%x-%v-%v-%v",
		record.Type,
		record.Family,
		record.Id,
		record.ParentId,
		record.Data,
		record.Revision,
		record.SchemaVersion,
		requestTime,
	)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix[:len(SignedMsgPrefix):len(SignedMsgPrefix)], msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	msg := append(SignedMsgPrefix[:len(SignedMsgPrefix):len(SignedMsgPrefix)], message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
