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
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

func ntpStamp(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// fakeNTP answers NTP queries with the local time shifted by offset.
func fakeNTP(t *testing.T, offset time.Duration) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 48 {
				continue
			}
			now := time.Now().Add(offset)
			resp := make([]byte, 48)
			resp[0] = 4<<3 | 4 // version 4, server mode
			resp[1] = 1        // stratum
			binary.BigEndian.PutUint64(resp[16:], ntpStamp(now.Add(-time.Second)))
			copy(resp[24:32], buf[40:48])
			binary.BigEndian.PutUint64(resp[32:], ntpStamp(now))
			binary.BigEndian.PutUint64(resp[40:], ntpStamp(now))
			pc.WriteTo(resp, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestNTPClock(t *testing.T) {
	const offset = time.Hour
	c := NewNTPClock(fakeNTP(t, offset))
	if c.Synced() {
		t.Fatal("Synced() = true before sync")
	}
	if d := c.Now().Sub(time.Now()); d > time.Second || d < -time.Second {
		t.Fatalf("unsynced clock is off by %v", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	select {
	case <-c.Run(ctx):
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for NTP sync")
	}
	if !c.Synced() {
		t.Fatal("Synced() = false after sync")
	}
	if d := c.Now().Sub(time.Now()) - offset; d > time.Second || d < -time.Second {
		t.Fatalf("synced clock is off by %v", d)
	}
}

func TestNTPClockUnreachable(t *testing.T) {
	// Nothing answers on this address.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()
	if err := NewNTPClock(addr).Sync(); err == nil {
		t.Fatal("Sync succeeded with no server")
	}
}
