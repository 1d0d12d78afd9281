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

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"k8s.io/klog/v2"
)

// NTPClock corrects the local clock using an NTP server.
//
// Until the first successful Sync it reports the local time unchanged.
type NTPClock struct {
	server string

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// NewNTPClock returns a clock which synchronises with server.
func NewNTPClock(server string) *NTPClock {
	return &NTPClock{server: server}
}

// Now returns the corrected current time.
func (c *NTPClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Synced returns true once the clock has been set from the server.
func (c *NTPClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// Sync queries the server once and applies the measured offset.
func (c *NTPClock) Sync() error {
	r, err := ntp.QueryWithOptions(c.server, ntp.QueryOptions{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to get NTP time: %v", err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("got invalid time from NTP server: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = r.ClockOffset
	c.synced = true
	klog.V(1).Infof("NTP clock offset %v", r.ClockOffset)
	return nil
}

// Run keeps the clock synchronised until ctx is done. The returned channel
// is closed once the clock has been set for the first time.
func (c *NTPClock) Run(ctx context.Context) <-chan struct{} {
	r := make(chan struct{})

	go func() {
		// i specifies the interval between checking in with the NTP server.
		// Initially we'll check in more frequently until we have set a time.
		i := time.Duration(0)
		first := r
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(i):
			}
			if err := c.Sync(); err != nil {
				klog.Errorf("NTP %q: %v", c.server, err)
				i = 10 * time.Second
				continue
			}
			// We've got some sort of sensible time set now, so check in with NTP
			// much less frequently.
			i = time.Hour
			if first != nil {
				// Signal that we've got an initial time.
				close(first)
				first = nil
			}
		}
	}()

	return r
}
