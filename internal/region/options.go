// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/httpclient"
)

// Length of the encryption key in bytes.
const keyLength = 32

// Options of the region as given in the construction request.
type Options struct {
	// Addresses (host:port) of the storage endpoints. Each one keeps a
	// full replica of the region.
	Target []string `json:"target"`

	// Randomly delays requests to the targets. Used for testing.
	Lossy bool `json:"lossy"`

	// Base64 encoded 32 byte key. Data are encrypted by the targets with
	// this customer provided key.
	Key string `json:"key,omitempty"`

	// PEM encoded client certificate, its key and root certificate. Any of
	// them switches the targets to https.
	CertPEM     string `json:"cert_pem,omitempty"`
	KeyPEM      string `json:"key_pem,omitempty"`
	RootCertPEM string `json:"root_cert_pem,omitempty"`

	// Address of the control endpoint of this session. Empty disables it.
	Control string `json:"control,omitempty"`
}

func (o Options) validate() error {
	if len(o.Target) == 0 {
		return blockio.ErrInvalidRequest.WithMessage("region without targets")
	}

	_, err := o.customerKey()

	return err
}

// Returns the raw encryption key or empty string when disabled.
func (o Options) customerKey() (string, error) {
	if o.Key == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(o.Key)
	if err != nil {
		return "", blockio.ErrInvalidRequest.Wrap(err)
	}

	if len(raw) != keyLength {
		return "", blockio.ErrInvalidRequest.WithMessage(
			fmt.Sprintf("key has %d bytes, expected %d", len(raw), keyLength))
	}

	return string(raw), nil
}

func (o Options) tlsConfig() (*tls.Config, error) {
	c, err := httpclient.TLSConfig(o.CertPEM, o.KeyPEM, o.RootCertPEM)
	if err != nil {
		return nil, blockio.ErrInvalidRequest.Wrap(err)
	}

	return c, nil
}

// Returns endpoint URL of the target.
func endpoint(target string, secure bool) string {
	if secure {
		return "https://" + target
	}

	return "http://" + target
}
