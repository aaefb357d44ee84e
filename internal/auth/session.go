package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "raphael_session"

// SessionClaims is what the session resolver extracts from a valid session.
type SessionClaims struct {
	UserID string
	Email  string
}

// SessionResolver abstracts the external auth provider. Implementations
// return ErrUnauthenticated when no valid session is presented.
type SessionResolver interface {
	ResolveSession(r *http.Request) (SessionClaims, error)
}

// jwtClaims extends the registered claims with the session identity.
type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTSessions validates (and, for the dev login flow, issues) Ed25519-signed
// session cookies.
type JWTSessions struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTSessions loads the session key pair from PEM files. Empty paths
// generate an ephemeral pair, suitable only for development.
func NewJWTSessions(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTSessions, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no session key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate session key pair: %w", err)
		}
		return &JWTSessions{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	priv, err := readPEMKey(privateKeyPath, true)
	if err != nil {
		return nil, err
	}
	pub, err := readPEMKey(publicKeyPath, false)
	if err != nil {
		return nil, err
	}
	edPriv := priv.(ed25519.PrivateKey)
	edPub := pub.(ed25519.PublicKey)

	// Catch a private key deployed with the wrong public key.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("auth: session public key does not match private key")
	}

	return &JWTSessions{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

func readPEMKey(path string, private bool) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read session key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: decode session key PEM %s", path)
	}
	if private {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse session private key: %w", err)
		}
		if _, ok := key.(ed25519.PrivateKey); !ok {
			return nil, fmt.Errorf("auth: session private key is not Ed25519")
		}
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse session public key: %w", err)
	}
	if _, ok := key.(ed25519.PublicKey); !ok {
		return nil, fmt.Errorf("auth: session public key is not Ed25519")
	}
	return key, nil
}

// Issue signs a session token for the given identity.
func (s *JWTSessions) Issue(userID, email string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.expiration)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "raphael",
			Audience:  jwt.ClaimStrings{"raphael"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email: email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign session token: %w", err)
	}
	return signed, exp, nil
}

// ResolveSession validates the session cookie. Returns ErrUnauthenticated
// when the cookie is absent or invalid.
func (s *JWTSessions) ResolveSession(r *http.Request) (SessionClaims, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return SessionClaims{}, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(
		cookie.Value,
		&jwtClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.publicKey, nil
		},
		jwt.WithAudience("raphael"),
		jwt.WithIssuer("raphael"),
	)
	if err != nil || !token.Valid {
		return SessionClaims{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || claims.Subject == "" {
		return SessionClaims{}, ErrUnauthenticated
	}
	return SessionClaims{UserID: claims.Subject, Email: claims.Email}, nil
}
