package api

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func writeTestKeys(t *testing.T) (pubPath, privPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "jwt.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubPath = filepath.Join(dir, "jwt.pub.pem")
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o644))
	return pubPath, privPath
}

func newTestAuthenticator(t *testing.T, cidrs ...string) *Authenticator {
	t.Helper()
	pubPath, privPath := writeTestKeys(t)
	a, err := NewAuthenticator(pubPath, privPath, time.Hour, cidrs)
	require.NoError(t, err)
	return a
}

func TestIssueAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)

	token, err := a.Issue("pixel-9")
	require.NoError(t, err)

	subject, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "pixel-9", subject)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a := newTestAuthenticator(t)
	_, err := a.Verify("not.a.token")
	require.Error(t, err)

	// A token signed by a different key must fail
	other := newTestAuthenticator(t)
	token, err := other.Issue("intruder")
	require.NoError(t, err)
	_, err = a.Verify(token)
	require.Error(t, err)
}

func TestTrustedCIDR(t *testing.T) {
	a := newTestAuthenticator(t, "127.0.0.0/8", "10.1.0.0/16")

	require.True(t, a.Trusted("127.0.0.1:51234"))
	require.True(t, a.Trusted("10.1.22.3:80"))
	require.False(t, a.Trusted("192.168.1.5:80"))
	require.False(t, a.Trusted("not-an-ip"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthenticator(t, "10.0.0.0/8")

	r := gin.New()
	r.GET("/x", a.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, Subject(c))
	})

	// No token, untrusted address: 401
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid bearer token
	token, err := a.Issue("tablet")
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "tablet", w.Body.String())

	// Token in query (WebSocket upgrade path)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x?token="+token, nil)
	req.RemoteAddr = "192.168.1.5:1234"
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Trusted CIDR needs no token
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.3.4.5:9999"
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, SubjectTrusted, w.Body.String())
}
