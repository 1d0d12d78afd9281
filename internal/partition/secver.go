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

package partition

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-client/internal/storage/slots"
	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"
)

const (
	// version epoch length
	versionLength = 4

	diversifierMAC = "OTAClientSecurityCounterMAC"
	iter           = 4096
)

// ErrCounterTampered is returned when the stored security counter fails
// authentication.
var ErrCounterTampered = errors.New("security counter failed authentication")

// securityCounter is a monotonic anti-rollback counter kept in a slot and
// authenticated with a key derived from the device secret.
type securityCounter struct {
	slot *slots.Slot
	key  []byte
}

func newSecurityCounter(s *slots.Slot, secret []byte) (*securityCounter, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty device secret")
	}
	// derive key for counter MAC generation
	return &securityCounter{
		slot: s,
		key:  pbkdf2.Key(secret, []byte(diversifierMAC), iter, sha256.Size, sha256.New),
	}, nil
}

func (c *securityCounter) mac(v []byte) []byte {
	m := hmac.New(sha256.New, c.key)
	m.Write(v)
	return m.Sum(nil)
}

// read returns the current counter value. A counter which has never been
// written reads as zero.
func (c *securityCounter) read() (uint32, error) {
	b, rev, err := c.slot.Read()
	if err != nil {
		return 0, err
	}
	if rev == 0 {
		return 0, nil
	}
	if len(b) != versionLength+sha256.Size {
		return 0, fmt.Errorf("%w: record is %d bytes", ErrCounterTampered, len(b))
	}
	if !hmac.Equal(c.mac(b[:versionLength]), b[versionLength:]) {
		return 0, ErrCounterTampered
	}
	return binary.BigEndian.Uint32(b), nil
}

// advance raises the counter to v. The counter never decreases, so values
// lower than the current one are ignored.
func (c *securityCounter) advance(v uint32) error {
	cur, err := c.read()
	if err != nil {
		return err
	}
	if v <= cur {
		return nil
	}
	buf := make([]byte, versionLength, versionLength+sha256.Size)
	binary.BigEndian.PutUint32(buf, v)
	buf = append(buf, c.mac(buf)...)
	if err := c.slot.Write(buf); err != nil {
		return fmt.Errorf("failed to write security counter: %v", err)
	}
	klog.Infof("Security counter advanced %d -> %d", cur, v)
	return nil
}
