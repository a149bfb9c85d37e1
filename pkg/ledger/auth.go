package ledger

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator signs outgoing ledger requests.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, user string) error
}

// JWTAuthenticator issues a short-lived bearer token per request. The token
// subject is the acting account, so the ledger can check ownership.
type JWTAuthenticator struct {
	keyName string
	method  jwt.SigningMethod
	key     any
	ttl     time.Duration
}

// NewES256Authenticator parses an EC private key in SEC1 or PKCS8 PEM form.
func NewES256Authenticator(keyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		keyName: keyName,
		method:  jwt.SigningMethodES256,
		key:     privateKey,
		ttl:     2 * time.Minute,
	}, nil
}

// NewHS256Authenticator signs with a shared secret.
func NewHS256Authenticator(keyName, secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("ledger shared secret is empty")
	}
	return &JWTAuthenticator{
		keyName: keyName,
		method:  jwt.SigningMethodHS256,
		key:     []byte(secret),
		ttl:     2 * time.Minute,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, user string) error {
	token, err := j.generateJWT(req.Method, req.URL.Host, req.URL.Path, user)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path, user string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   user,
		"iss":   j.keyName,
		"nbf":   now.Unix(),
		"exp":   now.Add(j.ttl).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(j.method, claims)
	token.Header["kid"] = j.keyName

	signed, err := token.SignedString(j.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
