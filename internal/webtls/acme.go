// Package webtls provides automatic TLS certificates for the public
// webhook listener via Let's Encrypt.
package webtls

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"golang.org/x/crypto/acme/autocert"
)

// ACMEManager manages automatic TLS certificates
type ACMEManager struct {
	manager *autocert.Manager
	domains []string
}

// NewACMEManager creates a new ACME manager
func NewACMEManager(email string, domains []string, cacheDir string) *ACMEManager {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      email,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	return &ACMEManager{
		manager: m,
		domains: domains,
	}
}

// Domains returns the list of configured domains
func (a *ACMEManager) Domains() []string {
	return a.domains
}

// TLSConfig returns a TLS configuration backed by the certificate manager
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPHandler returns the handler answering HTTP-01 ACME challenges
func (a *ACMEManager) HTTPHandler(fallback http.Handler) http.Handler {
	return a.manager.HTTPHandler(fallback)
}

// EnsureCertificates obtains or validates certificates for all configured
// domains. The HTTP challenge server must already be listening.
func (a *ACMEManager) EnsureCertificates(ctx context.Context) error {
	for _, domain := range a.domains {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A synthetic ClientHello makes autocert fetch (or renew) the cert
		hello := &tls.ClientHelloInfo{ServerName: domain}
		if _, err := a.manager.GetCertificate(hello); err != nil {
			return fmt.Errorf("failed to obtain certificate for %s: %w", domain, err)
		}
	}
	return nil
}
