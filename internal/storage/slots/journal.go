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

package slots

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-client/internal/storage"
	"k8s.io/klog/v2"
)

const (
	journalMagic uint32 = 0x4f54414a // "OTAJ"

	// entryHeaderSize is magic, revision, length, reserved, then a SHA-256
	// over those fields and the data.
	entryHeaderSize = 16 + sha256.Size
)

// Entry is a single revision of the data held in a journal.
type Entry struct {
	// Revision increases by one on every successful update.
	// Zero means nothing has been written.
	Revision uint32
	Data     []byte
}

// Journal stores a single record in a range of blocks.
//
// The range is split into two halves and successive revisions alternate
// between them, so a torn write only ever damages the revision being written
// and the previous one remains readable.
type Journal struct {
	dev storage.BlockReaderWriter
	// start and halfLength describe the two areas [start, start+halfLength)
	// and [start+halfLength, start+2*halfLength).
	start, halfLength uint

	current Entry
}

// OpenJournal reads the latest valid entry stored in [start, start+length) of dev.
func OpenJournal(dev storage.BlockReaderWriter, start, length uint) (*Journal, error) {
	if length < 2 {
		return nil, fmt.Errorf("journal needs at least 2 blocks, got %d", length)
	}
	j := &Journal{
		dev:        dev,
		start:      start,
		halfLength: length / 2,
	}
	buf := make([]byte, j.halfLength*dev.BlockSize())
	for h := uint(0); h < 2; h++ {
		if err := dev.ReadBlocks(j.areaStart(h), buf); err != nil {
			return nil, fmt.Errorf("failed to read journal area %d: %v", h, err)
		}
		e, err := unmarshalEntry(buf)
		if err != nil {
			klog.V(2).Infof("Journal @ %d area %d: %v", start, h, err)
			continue
		}
		if e.Revision > j.current.Revision {
			j.current = e
		}
	}
	klog.V(2).Infof("Journal @ %d opened at revision %d", start, j.current.Revision)
	return j, nil
}

// Current returns the latest entry.
func (j *Journal) Current() Entry {
	return j.current
}

// MaxDataLength returns the largest record which can be stored.
func (j *Journal) MaxDataLength() int {
	return int(j.halfLength*j.dev.BlockSize()) - entryHeaderSize
}

// Update writes p as the next revision.
// On failure the previous revision remains current.
func (j *Journal) Update(p []byte) error {
	if l, max := len(p), j.MaxDataLength(); l > max {
		return fmt.Errorf("data length %d exceeds journal capacity %d", l, max)
	}
	e := Entry{Revision: j.current.Revision + 1, Data: append([]byte(nil), p...)}
	if _, err := j.dev.WriteBlocks(j.areaStart(uint(e.Revision%2)), marshalEntry(e)); err != nil {
		return fmt.Errorf("failed to write revision %d: %v", e.Revision, err)
	}
	j.current = e
	return nil
}

func (j *Journal) areaStart(h uint) uint {
	return j.start + h*j.halfLength
}

func marshalEntry(e Entry) []byte {
	b := make([]byte, entryHeaderSize+len(e.Data))
	binary.LittleEndian.PutUint32(b[0:], journalMagic)
	binary.LittleEndian.PutUint32(b[4:], e.Revision)
	binary.LittleEndian.PutUint32(b[8:], uint32(len(e.Data)))
	copy(b[entryHeaderSize:], e.Data)
	h := entryHash(b[:16], e.Data)
	copy(b[16:], h[:])
	return b
}

func unmarshalEntry(b []byte) (Entry, error) {
	if len(b) < entryHeaderSize {
		return Entry{}, errors.New("short entry")
	}
	if m := binary.LittleEndian.Uint32(b[0:]); m != journalMagic {
		return Entry{}, fmt.Errorf("no entry (magic %#x)", m)
	}
	rev := binary.LittleEndian.Uint32(b[4:])
	l := binary.LittleEndian.Uint32(b[8:])
	if uint64(l) > uint64(len(b)-entryHeaderSize) {
		return Entry{}, fmt.Errorf("entry length %d exceeds area", l)
	}
	data := b[entryHeaderSize : entryHeaderSize+int(l)]
	if h := entryHash(b[:16], data); !bytes.Equal(h[:], b[16:entryHeaderSize]) {
		return Entry{}, fmt.Errorf("revision %d has bad checksum", rev)
	}
	return Entry{Revision: rev, Data: append([]byte(nil), data...)}, nil
}

func entryHash(hdr, data []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(hdr)
	h.Write(data)
	var r [sha256.Size]byte
	copy(r[:], h.Sum(nil))
	return r
}
