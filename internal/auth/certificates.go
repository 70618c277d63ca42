package auth

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/ec2-volume-provisioner/pkg/types"
)

// Validator handles authentication validation
type Validator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool // Whether client CA certificates were loaded
	apiTokens      []string
}

// NewValidator creates a new authentication validator. Missing files are
// not an error: the corresponding mechanism is simply disabled.
func NewValidator(clientCAPath, tokensFile string) (*Validator, error) {
	validator := &Validator{
		clientCAs: x509.NewCertPool(),
	}

	if err := validator.loadClientCAs(clientCAPath); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}

	if err := validator.loadAPITokens(tokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	if !validator.Enabled() {
		logrus.Warn("No API tokens or client CA configured, authentication is disabled")
	}

	return validator, nil
}

// loadClientCAs loads client certificate authorities
func (v *Validator) loadClientCAs(caCertPath string) error {
	if caCertPath == "" {
		return nil
	}
	if _, err := os.Stat(caCertPath); os.IsNotExist(err) {
		return nil
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !v.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert %s", caCertPath)
	}

	v.clientCALoaded = true
	return nil
}

// loadAPITokens loads API tokens, one per line; blank lines and # comments are skipped
func (v *Validator) loadAPITokens(tokenFile string) error {
	if tokenFile == "" {
		return nil
	}
	if _, err := os.Stat(tokenFile); os.IsNotExist(err) {
		return nil
	}

	content, err := os.ReadFile(tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token == "" || strings.HasPrefix(token, "#") {
			continue
		}
		v.apiTokens = append(v.apiTokens, token)
	}

	return nil
}

// Enabled reports whether any authentication mechanism is configured
func (v *Validator) Enabled() bool {
	return len(v.apiTokens) > 0 || v.clientCALoaded
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() || v.validateAPIToken(c) || v.validClientCert(c) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(401, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    401,
		})
	}
}

// validClientCert reports whether the TLS handshake verified a client certificate
func (v *Validator) validClientCert(c *gin.Context) bool {
	if !v.clientCALoaded || c.Request.TLS == nil {
		return false
	}
	return len(c.Request.TLS.VerifiedChains) > 0
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	token := c.GetHeader("X-API-Token")
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == "" {
		return false
	}

	for _, known := range v.apiTokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// TLSConfig builds the server TLS configuration. Client certificates are
// verified against the loaded CAs when presented; tokens remain an
// alternative for clients without one.
func (v *Validator) TLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if v.clientCALoaded {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		cfg.ClientCAs = v.clientCAs
	}
	return cfg, nil
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (v *Validator) IsClientCALoaded() bool {
	return v.clientCALoaded
}
