package kechain

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newTransport builds the HTTP/2 capable transport used when the caller does
// not bring its own *http.Client.
func newTransport(checkCertificates bool) (*http.Transport, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !checkCertificates, //nolint:gosec
		},
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("kechain: configure http2: %w", err)
	}
	return tr, nil
}

// buildHTTPClient layers retries and metrics over base.
func (c *Client) buildHTTPClient(base *http.Client) (*http.Client, error) {
	var next http.RoundTripper
	if base != nil && base.Transport != nil {
		next = base.Transport
	} else {
		tr, err := newTransport(c.checkCertificates)
		if err != nil {
			return nil, err
		}
		next = tr
	}

	if c.registerer != nil {
		instrumented, err := instrumentRoundTripper(c.registerer, next)
		if err != nil {
			return nil, err
		}
		next = instrumented
	}
	next = &retryTransport{next: next, policy: c.retry, logger: c.logger}

	hc := &http.Client{Transport: next, Timeout: c.timeout}
	if base != nil {
		hc.Jar = base.Jar
		hc.CheckRedirect = base.CheckRedirect
		if base.Timeout > 0 && c.timeout == 0 {
			hc.Timeout = base.Timeout
		}
	}
	return hc, nil
}
