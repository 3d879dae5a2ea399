// Package web3token implements the signed bearer credential carried in the
// Authorization header of every guild request. A token is the base64 encoding
// of a JSON envelope {signature, body}: the body is a plain-text statement with
// "Issued At" / "Expiration Time" lines, and the signature is an EIP-191
// personal-sign over the body. Verifying a token recovers the signer's address;
// there is no server-side session state.
package web3token

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidEncoding  = errors.New("invalid token encoding")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
)

const versionLine = "Web3 Token Version: 2"

type envelope struct {
	Signature string `json:"signature"`
	Body      string `json:"body"`
}

// Token is a verified credential. Address is the checksummed signer address
// recovered from the signature.
type Token struct {
	Address   common.Address
	Body      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verify decodes and checks a token, returning the recovered signer. The
// expiration line is honored when present; clock skew is not tolerated.
func Verify(token string) (*Token, error) {
	raw, err := decodeBase64Compat(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidEncoding
	}
	if env.Signature == "" || env.Body == "" {
		return nil, ErrInvalidEncoding
	}

	sig, err := hexutil.Decode(env.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, ErrInvalidEncoding
	}
	// personal_sign emits V as 27/28; SigToPub wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(env.Body)), sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	out := &Token{
		Address: crypto.PubkeyToAddress(*pub),
		Body:    env.Body,
	}
	if v, ok := bodyField(env.Body, "Issued At"); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out.IssuedAt = t
		}
	}
	if v, ok := bodyField(env.Body, "Expiration Time"); ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		if !time.Now().Before(t) {
			return nil, ErrTokenExpired
		}
		out.ExpiresAt = t
	}
	return out, nil
}

// Sign mints a token for the given key, valid for ttl. The statement is
// whatever the signer wants the user to read; it carries no authority.
func Sign(key *ecdsa.PrivateKey, statement string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	lines := []string{
		versionLine,
		"Issued At: " + now.Format(time.RFC3339Nano),
		"Expiration Time: " + now.Add(ttl).Format(time.RFC3339Nano),
	}
	body := strings.Join(lines, "\n")
	if statement != "" {
		body = statement + "\n\n" + body
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(body)), key)
	if err != nil {
		return "", fmt.Errorf("sign token body: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	raw, err := json.Marshal(envelope{Signature: hexutil.Encode(sig), Body: body})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeBase64Compat(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return nil, ErrInvalidEncoding
}

func bodyField(body, key string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, key+": "); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}
