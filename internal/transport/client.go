// Copyright 2026 The OTA Client authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport fetches firmware images over HTTPS.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/machinebox/progress"
	"github.com/transparency-dev/ota-client/internal/update"
	"go.mercari.io/go-dnscache"
	"k8s.io/klog/v2"
)

const (
	dnsUpdateFreq    = 5 * time.Minute
	dnsUpdateTimeout = 5 * time.Second
)

// Opts configures a Client.
type Opts struct {
	// Now, if set, supplies the current time used to check server
	// certificates. Devices without a battery backed clock use an NTPClock.
	Now func() time.Time
	// Resolver, if set, is used to cache DNS lookups.
	Resolver *dnscache.Resolver
	// LogProgress enables periodic logging of download progress.
	LogProgress bool
}

// Client opens firmware image streams.
type Client struct {
	opts Opts
}

// New returns a Client configured with opts.
func New(opts Opts) *Client {
	return &Client{opts: opts}
}

// NewResolver returns a DNS cache suitable for Opts.Resolver.
func NewResolver() (*dnscache.Resolver, error) {
	r, err := dnscache.New(dnsUpdateFreq, dnsUpdateTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS cache: %v", err)
	}
	return r, nil
}

// Open starts downloading the image at r.URL.
//
// The server must present a certificate chaining to r.RootCert, and must
// answer with 200 OK. A 404 response returns an error wrapping
// os.ErrNotExist. The returned stream cancels the download if no data
// arrives for r.Timeout.
func (c *Client) Open(ctx context.Context, r update.Request) (update.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.get(ctx, r)
	if err != nil {
		cancel()
		return nil, err
	}

	s := newStream(ctx, cancel, resp, r.Timeout)
	if c.opts.LogProgress && resp.ContentLength > 0 {
		go func() {
			progressChan := progress.NewTicker(ctx, s.pr, resp.ContentLength, 1*time.Second)
			for p := range progressChan {
				klog.Infof("Downloading %q: %d%%, %v remaining...", r.URL, int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}
	return s, nil
}

// Check fetches r.URL and discards the response, returning an error unless
// the server answered 200 OK. It is used as a connectivity self-check.
func (c *Client) Check(ctx context.Context, r update.Request) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	resp, err := c.get(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}
	return nil
}

// get sends a GET request for r, returning the response if its status is
// 200 OK.
func (c *Client) get(ctx context.Context, r update.Request) (*http.Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("URL %q is not https", r.URL)
	}
	if r.Timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(r.RootCert) {
		return nil, errors.New("no certificates found in root certificate PEM")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient(pool, r.Timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("http.Client.Do(): %v", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		klog.Infof("Not found: %q", u.String())
		return nil, fmt.Errorf("%q: %w", u.String(), os.ErrNotExist)
	}
	resp.Body.Close()
	return nil, fmt.Errorf("unexpected http status %q", resp.Status)
}

func (c *Client) httpClient(pool *x509.CertPool, timeout time.Duration) *http.Client {
	dial := (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	if c.opts.Resolver != nil {
		dial = dnscache.DialFunc(c.opts.Resolver, dial)
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: dial,
			TLSClientConfig: &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
				Time:       c.opts.Now,
			},
			DisableKeepAlives:     true,
			ForceAttemptHTTP2:     false,
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   timeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
