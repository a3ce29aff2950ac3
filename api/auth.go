package api

import (
	"crypto/rsa"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vlaude/vlaude/log"
)

// ContextKeySubject holds the authenticated subject in gin's context.
const ContextKeySubject = "auth_subject"

// SubjectTrusted marks callers admitted by the CIDR allowlist rather than a
// token (the daemon, localhost tooling).
const SubjectTrusted = "trusted"

// Authenticator validates RS256 bearer tokens and issues new ones for
// device onboarding. Callers inside the trusted CIDRs skip token checks.
type Authenticator struct {
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	tokenTTL   time.Duration
	trusted    []*net.IPNet
}

// NewAuthenticator loads the RS256 key pair. The private key is optional:
// without it the server validates tokens but cannot mint them.
func NewAuthenticator(publicKeyPath, privateKeyPath string, tokenTTL time.Duration, trustedCIDRs []string) (*Authenticator, error) {
	pubPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	a := &Authenticator{
		publicKey: publicKey,
		tokenTTL:  tokenTTL,
	}

	if privateKeyPath != "" {
		privPEM, err := os.ReadFile(privateKeyPath)
		if err != nil {
			log.Warn().Err(err).Msg("private key unavailable, token issuing disabled")
		} else {
			a.privateKey, err = jwt.ParseRSAPrivateKeyFromPEM(privPEM)
			if err != nil {
				return nil, fmt.Errorf("parse private key: %w", err)
			}
		}
	}

	for _, cidr := range trustedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse trusted cidr %q: %w", cidr, err)
		}
		a.trusted = append(a.trusted, ipnet)
	}
	return a, nil
}

// Issue mints a token for a named device.
func (a *Authenticator) Issue(deviceName string) (string, error) {
	if a.privateKey == nil {
		return "", fmt.Errorf("no private key configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   deviceName,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		Issuer:    "vlaude",
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
}

// Verify validates a token and returns its subject.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("missing subject")
	}
	return claims.Subject, nil
}

// Trusted reports whether the remote address falls inside the allowlist.
func (a *Authenticator) Trusted(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipnet := range a.trusted {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware authenticates every request: trusted CIDRs pass straight
// through, everything else needs a valid bearer token (header or, for
// WebSocket upgrades, a token query parameter).
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Trusted(c.Request.RemoteAddr) {
			c.Set(ContextKeySubject, SubjectTrusted)
			c.Next()
			return
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			RespondUnauthorized(c, "missing token")
			c.Abort()
			return
		}
		subject, err := a.Verify(tokenString)
		if err != nil {
			log.Debug().Err(err).Str("ip", c.ClientIP()).Msg("token rejected")
			RespondUnauthorized(c, "invalid token")
			c.Abort()
			return
		}
		c.Set(ContextKeySubject, subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// Subject returns the authenticated subject for a request.
func Subject(c *gin.Context) string {
	if subject, ok := c.Get(ContextKeySubject); ok {
		return subject.(string)
	}
	return ""
}
