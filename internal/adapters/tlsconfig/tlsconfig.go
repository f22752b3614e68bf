package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Files names the PEM files used for an MQTT TLS connection or listener.
type Files struct {
	CA   string
	Cert string
	Key  string
}

// Enabled reports whether any TLS file is configured.
func (f Files) Enabled() bool {
	return f.CA != "" || f.Cert != "" || f.Key != ""
}

// Build loads the configured files. It returns nil when TLS is not configured.
func Build(files Files) (*tls.Config, error) {
	if !files.Enabled() {
		return nil, nil
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if files.CA != "" {
		pem, err := os.ReadFile(files.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA bundle")
		}
		config.RootCAs = pool
		config.ClientCAs = pool
	}

	if files.Cert != "" || files.Key != "" {
		if files.Cert == "" || files.Key == "" {
			return nil, errors.New("both tls cert and key are required")
		}
		cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
