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

// Package config loads the settings shared by the OTA agent and otactl.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/transparency-dev/ota-client/internal/device"
	"github.com/transparency-dev/ota-client/internal/update"
	"github.com/transparency-dev/ota-client/internal/validate"
	"golang.org/x/mod/sumdb/note"
	"gopkg.in/yaml.v3"
)

// DefaultTokenHeader is the request header which carries the access token
// when no other is configured.
const DefaultTokenHeader = "PRIVATE-TOKEN"

// Server describes where images are fetched from.
type Server struct {
	// URL is the https location of the latest image.
	URL string `yaml:"url"`
	// CAFile holds the PEM root certificate(s) the server must chain to.
	CAFile  string        `yaml:"ca_file"`
	Timeout time.Duration `yaml:"timeout"`
	// TokenHeader names the header carrying the access token.
	TokenHeader string `yaml:"token_header"`
	// The access token is read from TokenFile if set, or else from the
	// environment variable TokenEnv. If neither is set no token is sent.
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`
	// NTPServer, if set, is queried for the time used to check the server's
	// certificate, for devices without a battery backed clock.
	NTPServer string `yaml:"ntp_server"`
}

// Storage describes the device holding the firmware slots.
type Storage struct {
	Path      string `yaml:"path"`
	BlockSize uint   `yaml:"block_size"`
	NumBlocks uint   `yaml:"num_blocks"`
	// Create allows Path to be created, for simulated devices.
	Create bool `yaml:"create"`
	// SecretFile holds the device unique secret protecting the security
	// counter.
	SecretFile string `yaml:"secret_file"`
	// VerifierKeys are note verifier keys; if any are set, images must carry
	// a release manifest signed by one of them.
	VerifierKeys []string `yaml:"verifier_keys"`
}

// Update controls when and how updates are installed.
type Update struct {
	// RollbackCheck refuses images with a security version below the
	// device's counter.
	RollbackCheck bool          `yaml:"rollback_check"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// SelfCheckURL, if set, must answer 200 OK before a newly installed
	// image is confirmed.
	SelfCheckURL string `yaml:"self_check_url"`
}

// Restart controls how the device is restarted.
type Restart struct {
	// Mode is one of the device.Mode constants.
	Mode    string        `yaml:"mode"`
	Command []string      `yaml:"command"`
	Delay   time.Duration `yaml:"delay"`
}

// Config is the top level configuration.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Update  Update  `yaml:"update"`
	Restart Restart `yaml:"restart"`
	// MetricsAddr is where the agent serves /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config holding the default values.
func Default() *Config {
	return &Config{
		Server: Server{
			Timeout:     30 * time.Second,
			TokenHeader: DefaultTokenHeader,
		},
		Storage: Storage{
			BlockSize: 512,
		},
		Update: Update{
			RollbackCheck: true,
			CheckInterval: time.Hour,
		},
		Restart: Restart{
			Mode:  device.ModeExit,
			Delay: update.DefaultRestartDelay,
		},
		MetricsAddr: ":8081",
	}
}

// Load reads the YAML config at path over the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return c, nil
}

// Parse decodes a YAML config over the defaults and validates it. Unknown
// keys are an error.
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.URL != "" {
		if u, err := url.Parse(c.Server.URL); err != nil {
			errs = append(errs, fmt.Errorf("server.url: %v", err))
		} else if u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server.url %q must be https", c.Server.URL))
		}
		if c.Server.CAFile == "" {
			errs = append(errs, errors.New("server.ca_file must be set"))
		}
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Server.TokenHeader == "" && (c.Server.TokenFile != "" || c.Server.TokenEnv != "") {
		errs = append(errs, errors.New("server.token_header must be set with a token"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must be set"))
	}
	if c.Storage.NumBlocks == 0 {
		errs = append(errs, errors.New("storage.num_blocks must be set"))
	}
	if c.Storage.BlockSize == 0 || c.Storage.BlockSize&(c.Storage.BlockSize-1) != 0 {
		errs = append(errs, fmt.Errorf("storage.block_size %d must be a power of two", c.Storage.BlockSize))
	}
	if c.Storage.SecretFile == "" {
		errs = append(errs, errors.New("storage.secret_file must be set"))
	}
	if c.Update.CheckInterval <= 0 {
		errs = append(errs, errors.New("update.check_interval must be positive"))
	}
	if _, err := device.New(c.Restart.Mode, c.Restart.Command); err != nil {
		errs = append(errs, fmt.Errorf("restart: %v", err))
	}
	return errors.Join(errs...)
}

// Policy returns the validation policy for candidate images.
func (c *Config) Policy() validate.Policy {
	return validate.Policy{EnableRollbackCheck: c.Update.RollbackCheck}
}

// Request returns the update request for imageURL, or the configured server
// URL if imageURL is empty.
func (c *Config) Request(imageURL string) (update.Request, error) {
	if imageURL == "" {
		imageURL = c.Server.URL
	}
	if imageURL == "" {
		return update.Request{}, errors.New("no image URL configured")
	}
	ca, err := os.ReadFile(c.Server.CAFile)
	if err != nil {
		return update.Request{}, fmt.Errorf("failed to read CA: %v", err)
	}
	r := update.Request{
		URL:      imageURL,
		RootCert: ca,
		Timeout:  c.Server.Timeout,
	}
	tok, err := c.token()
	if err != nil {
		return update.Request{}, err
	}
	if tok != "" {
		r.Header = http.Header{}
		r.Header.Set(c.Server.TokenHeader, tok)
	}
	return r, nil
}

func (c *Config) token() (string, error) {
	switch {
	case c.Server.TokenFile != "":
		b, err := os.ReadFile(c.Server.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %v", err)
		}
		return strings.TrimSpace(string(b)), nil
	case c.Server.TokenEnv != "":
		tok, ok := os.LookupEnv(c.Server.TokenEnv)
		if !ok {
			return "", fmt.Errorf("token variable %s not set", c.Server.TokenEnv)
		}
		return tok, nil
	}
	return "", nil
}

// Secret returns the device secret.
func (c *Config) Secret() ([]byte, error) {
	b, err := os.ReadFile(c.Storage.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read device secret: %v", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("device secret is empty")
	}
	return b, nil
}

// Verifiers returns the manifest verifiers.
func (c *Config) Verifiers() ([]note.Verifier, error) {
	var vs []note.Verifier
	for _, k := range c.Storage.VerifierKeys {
		v, err := note.NewVerifier(k)
		if err != nil {
			return nil, fmt.Errorf("invalid verifier key %q: %v", k, err)
		}
		vs = append(vs, v)
	}
	return vs, nil
}

// Restarter returns the configured device restarter.
func (c *Config) Restarter() (device.Restarter, error) {
	return device.New(c.Restart.Mode, c.Restart.Command)
}
