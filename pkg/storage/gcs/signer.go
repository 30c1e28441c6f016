package gcs

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// signer produces RSA-SHA256 signatures for V2 signed URLs.
type signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

type serviceAccount struct {
	clientEmail string
	privateKey  *rsa.PrivateKey
	tokenURI    string
}

func parseServiceAccount(jsonCreds string) (*serviceAccount, error) {
	var creds struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
		TokenURI    string `json:"token_uri"`
	}
	if err := json.Unmarshal([]byte(jsonCreds), &creds); err != nil {
		return nil, fmt.Errorf("parsing service account credentials: %w", err)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, errors.New("invalid service account credentials")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	tokenURI := creds.TokenURI
	if tokenURI == "" {
		tokenURI = tokenEndpoint
	}
	return &serviceAccount{clientEmail: creds.ClientEmail, privateKey: key, tokenURI: tokenURI}, nil
}

func (s *serviceAccount) Email() string {
	return s.clientEmail
}

func (s *serviceAccount) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	return jwt.SigningMethodRS256.Sign(string(payload), s.privateKey)
}

// iamSigner delegates signing to the IAM Credentials API for runtimes that
// only hold metadata server tokens.
type iamSigner struct {
	email       string
	httpClient  *http.Client
	tokenSource *tokenSource
	baseURL     string
}

func (s *iamSigner) Email() string {
	return s.email
}

func (s *iamSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	token, err := s.tokenSource.Token(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"payload": base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/projects/-/serviceAccounts/%s:signBlob", s.baseURL, url.PathEscape(s.email))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(ctx, nil, resp.Body, "gcs: closing response body failed")

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("iam signBlob failed", resp)
	}
	var out struct {
		SignedBlob string `json:"signedBlob"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.SignedBlob)
}
