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

package config

import (
	"context"
	"fmt"

	"github.com/transparency-dev/ota-client/internal/partition"
	"github.com/transparency-dev/ota-client/internal/storage"
	"github.com/transparency-dev/ota-client/internal/transport"
	"k8s.io/klog/v2"
)

// OpenPartitions opens the configured storage device and the firmware slots
// on it. The caller must close the returned FileDevice.
func (c *Config) OpenPartitions() (*partition.Device, *storage.FileDevice, error) {
	secret, err := c.Secret()
	if err != nil {
		return nil, nil, err
	}
	verifiers, err := c.Verifiers()
	if err != nil {
		return nil, nil, err
	}
	fd, err := storage.OpenFile(c.Storage.Path, c.Storage.BlockSize, c.Storage.NumBlocks, c.Storage.Create)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %v", err)
	}
	l, err := partition.NewLayout(fd.NumBlocks())
	if err != nil {
		fd.Close()
		return nil, nil, err
	}
	d, err := partition.Open(fd, l, partition.Opts{Secret: secret, Verifiers: verifiers})
	if err != nil {
		fd.Close()
		return nil, nil, err
	}
	return d, fd, nil
}

// Transport returns a client for fetching images. If an NTP server is
// configured, its clock is kept in sync until ctx is done.
func (c *Config) Transport(ctx context.Context, logProgress bool) (*transport.Client, error) {
	r, err := transport.NewResolver()
	if err != nil {
		return nil, err
	}
	opts := transport.Opts{Resolver: r, LogProgress: logProgress}
	if c.Server.NTPServer != "" {
		clk := transport.NewNTPClock(c.Server.NTPServer)
		select {
		case <-clk.Run(ctx):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		klog.Infof("Clock set from %q", c.Server.NTPServer)
		opts.Now = clk.Now
	}
	return transport.New(opts), nil
}
