// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package httpclient builds HTTP clients tuned for talking to object stores
// and image servers.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/faithanalog/crucible/internal/config"
)

// Settings used for tuning the http connection.
type Settings struct {
	Connect          time.Duration
	ConnKeepAlive    time.Duration
	ExpectContinue   time.Duration
	IdleConn         time.Duration
	MaxAllIdleConns  int
	MaxHostIdleConns int
	ResponseHeader   time.Duration
	TLSHandshake     time.Duration
}

// DefaultSettings are recommended by AWS for usage in their network.
func DefaultSettings() Settings {
	return Settings{
		Connect:          5 * time.Second,
		ExpectContinue:   1 * time.Second,
		IdleConn:         90 * time.Second,
		ConnKeepAlive:    30 * time.Second,
		MaxAllIdleConns:  100,
		MaxHostIdleConns: 10,
		ResponseHeader:   5 * time.Second,
		TLSHandshake:     5 * time.Second,
	}
}

// SettingsFromConfig returns settings filled from the http section of the
// global configuration.
func SettingsFromConfig() Settings {
	connect, keepAlive, expectContinue, idleConn, responseHeader, tlsHandshake := config.Cfg.HTTPTimeouts()

	return Settings{
		Connect:          connect,
		ConnKeepAlive:    keepAlive,
		ExpectContinue:   expectContinue,
		IdleConn:         idleConn,
		MaxAllIdleConns:  config.Cfg.HTTP.MaxAllIdleConns,
		MaxHostIdleConns: config.Cfg.HTTP.MaxHostIdleConns,
		ResponseHeader:   responseHeader,
		TLSHandshake:     tlsHandshake,
	}
}

// New returns http client with configured parameters and added http2
// support. tlsConfig may be nil.
func New(s Settings, tlsConfig *tls.Config) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: s.ResponseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: s.ConnKeepAlive,
			Timeout:   s.Connect,
		}).DialContext,
		MaxIdleConns:          s.MaxAllIdleConns,
		IdleConnTimeout:       s.IdleConn,
		TLSHandshakeTimeout:   s.TLSHandshake,
		MaxIdleConnsPerHost:   s.MaxHostIdleConns,
		ExpectContinueTimeout: s.ExpectContinue,
		TLSClientConfig:       tlsConfig,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// TLSConfig builds client TLS configuration from PEM encoded material. The
// client certificate is used only when both certPEM and keyPEM are given and
// rootPEM replaces the system pool when given. It returns nil when all inputs
// are empty.
func TLSConfig(certPEM, keyPEM, rootPEM string) (*tls.Config, error) {
	if certPEM == "" && keyPEM == "" && rootPEM == "" {
		return nil, nil
	}

	c := &tls.Config{MinVersion: tls.VersionTLS12}

	if certPEM != "" || keyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}

		c.Certificates = []tls.Certificate{cert}
	}

	if rootPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(rootPEM)) {
			return nil, errors.New("no root certificate found in PEM")
		}

		c.RootCAs = pool
	}

	return c, nil
}
