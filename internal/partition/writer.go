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
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-client/firmware"
	"github.com/transparency-dev/ota-client/internal/storage"
	"k8s.io/klog/v2"
)

// batchSize is the number of blocks written to the device in one go.
const batchSize = 64

// inactiveWriter is the write cursor into the inactive slot.
type inactiveWriter struct {
	slot   int
	region Region
	// written is the number of image bytes accepted so far.
	written int64
	// flushed is the number of whole blocks written to the device.
	flushed uint
	// pending holds accepted bytes not yet written to the device.
	pending []byte
}

// WriteInactive appends b to the image being written to the inactive slot.
//
// The first call of a session marks the inactive slot Invalid, so a
// partially written slot is never bootable.
func (d *Device) WriteInactive(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		if err := d.beginWrite(); err != nil {
			return err
		}
	}
	w := d.writer
	bs := d.dev.BlockSize()
	if max := int64(w.region.Length) * int64(bs); w.written+int64(len(b)) > max {
		return fmt.Errorf("image exceeds slot %d size of %d bytes", w.slot, max)
	}
	w.pending = append(w.pending, b...)
	w.written += int64(len(b))
	if len(w.pending) >= batchSize*int(bs) {
		return d.flushPending(false)
	}
	return nil
}

func (d *Device) beginWrite() error {
	r, err := d.readRecord()
	if err != nil {
		return err
	}
	// The other slot is the fallback for an unconfirmed running image, so
	// it must not be overwritten until the running image is confirmed.
	if r.States[r.Booted] == PendingVerify {
		return fmt.Errorf("%w: slot %d", ErrRunningUnconfirmed, r.Booted)
	}
	slot := other(r.Booted)
	if r.States[slot] != Invalid || r.Target == slot {
		r.States[slot] = Invalid
		r.Target = r.Booted
		if err := d.writeRecord(r); err != nil {
			return err
		}
	}
	klog.Infof("Writing image to slot %d", slot)
	d.writer = &inactiveWriter{slot: slot, region: d.layout.Apps[slot]}
	return nil
}

// flushPending writes the whole blocks held in the pending buffer to the
// device. If final is set, a trailing partial block is padded and written too.
func (d *Device) flushPending(final bool) error {
	w := d.writer
	bs := int(d.dev.BlockSize())
	n := len(w.pending) - len(w.pending)%bs
	if final {
		n = len(w.pending)
	}
	if n == 0 {
		return nil
	}
	if err := flash(d.dev, w.pending[:n], w.region.Start+w.flushed); err != nil {
		return err
	}
	w.flushed += blocksFor(int64(n), uint(bs))
	w.pending = append(w.pending[:0], w.pending[n:]...)
	return nil
}

// AbortInactive discards the image being written. The inactive slot stays
// Invalid.
func (d *Device) AbortInactive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return nil
	}
	klog.Infof("Discarding partial image in slot %d (%d bytes)", d.writer.slot, d.writer.written)
	d.writer = nil
	return nil
}

// FinalizeInactive checks the image written to the inactive slot and, if it
// is intact, makes that slot the next boot target in state New.
//
// Integrity failures return an error wrapping ErrValidateFailed.
func (d *Device) FinalizeInactive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.writer
	if w == nil {
		return errors.New("no image written")
	}
	// The session ends here whatever the outcome.
	defer func() { d.writer = nil }()

	if err := d.flushPending(true); err != nil {
		return fmt.Errorf("failed to flush image: %v", err)
	}
	if err := d.verifySlot(w.slot, w.written); err != nil {
		klog.Errorf("Slot %d failed verification: %v", w.slot, err)
		return err
	}
	r, err := d.readRecord()
	if err != nil {
		return err
	}
	r.States[w.slot] = New
	r.Target = w.slot
	if err := d.writeRecord(r); err != nil {
		return err
	}
	klog.Infof("Slot %d finalized (%d bytes), will boot next", w.slot, w.written)
	return nil
}

// verifySlot re-reads the image in slot and checks it against its header.
func (d *Device) verifySlot(slot int, written int64) error {
	region := d.layout.Apps[slot]
	desc, err := d.descriptor(slot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidateFailed, err)
	}
	if want := desc.ImageSize(); written != want {
		return fmt.Errorf("%w: wrote %d bytes, header declares %d", ErrValidateFailed, written, want)
	}
	m, err := readAt(d.dev, region, firmware.HeaderSize, int(desc.ManifestLength))
	if err != nil {
		return err
	}
	if err := d.checkManifest(desc, m); err != nil {
		return err
	}

	h := sha256.New()
	off := int64(firmware.HeaderSize) + int64(desc.ManifestLength)
	for rem := int64(desc.BodyLength); rem > 0; {
		n := int64(storage.MaxTransferBytes)
		if rem < n {
			n = rem
		}
		b, err := readAt(d.dev, region, off, int(n))
		if err != nil {
			return err
		}
		h.Write(b)
		off += n
		rem -= n
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	if sum != desc.BodyDigest {
		return fmt.Errorf("%w: body digest %x, header says %x", ErrValidateFailed, sum, desc.BodyDigest)
	}
	return nil
}

// flash writes buf to the device starting at lba, in batches of batchSize
// blocks.
//
// The final block is padded with zeros.
func flash(dev storage.BlockReaderWriter, buf []byte, lba uint) error {
	bs := int(dev.BlockSize())
	if rem := len(buf) % bs; rem > 0 {
		buf = append(buf[:len(buf):len(buf)], make([]byte, bs-rem)...)
	}
	blocks := len(buf) / bs
	batch := batchSize
	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}
		start := i * bs
		end := start + bs*batch
		if _, err := dev.WriteBlocks(lba+uint(i), buf[start:end]); err != nil {
			return err
		}
		klog.V(2).Infof("flashed %d/%d blocks", i+batch, blocks)
	}
	return nil
}

// readAt returns n bytes from offset off within region.
func readAt(dev storage.BlockReaderWriter, region Region, off int64, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	bs := int64(dev.BlockSize())
	first := off / bs
	last := (off + int64(n) + bs - 1) / bs
	if uint(last) > region.Length {
		return nil, fmt.Errorf("read of %d bytes @ %d exceeds slot", n, off)
	}
	buf := make([]byte, (last-first)*bs)
	if err := dev.ReadBlocks(region.Start+uint(first), buf); err != nil {
		return nil, err
	}
	s := off - first*bs
	return buf[s : s+int64(n)], nil
}

func blocksFor(n int64, blockSize uint) uint {
	bs := int64(blockSize)
	return uint((n + bs - 1) / bs)
}
