package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
)

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientAuth bool
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// LoadServerTLSConfig loads a TLS 1.3 server configuration, optionally
// verifying client certificates against CAFile.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.NoClientCert,
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if cfg.RequireClientAuth {
		if tlsCfg.ClientCAs == nil {
			return nil, errors.New("client authentication requires a CA file")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// LoadClientTLSConfig loads client TLS configuration for calling the RPC service.
func LoadClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// VerifyTLSFiles checks that every non-empty path exists. certFile and
// keyFile are required.
func VerifyTLSFiles(certFile, keyFile, caFile string) error {
	if certFile == "" || keyFile == "" {
		return errors.New("TLS certificate and key paths must not be empty")
	}
	for _, file := range []string{certFile, keyFile, caFile} {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("TLS file not found: %s - %w", file, err)
		}
	}
	return nil
}

// PeerIdentity reads the calling service from a client certificate: the
// Common Name names the service and Organization lists its scopes.
func PeerIdentity(clientCert *x509.Certificate) (service string, scopes []string, err error) {
	if clientCert == nil {
		return "", nil, errors.New("client certificate is nil")
	}

	service = clientCert.Subject.CommonName
	if service == "" {
		return "", nil, errors.New("certificate Common Name is empty")
	}
	return service, clientCert.Subject.Organization, nil
}

// HasScope reports whether scopes grant required.
func HasScope(scopes []string, required string) bool {
	return required != "" && slices.Contains(scopes, required)
}
