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

// Package partition manages the two firmware slots of a device, their
// persisted boot states, and the anti-rollback security counter.
//
// The running slot is never written. Updates go to the inactive slot, which
// only becomes the boot target once FinalizeInactive has checked the image
// that was written.
package partition

import (
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/ota-client/firmware"
	"github.com/transparency-dev/ota-client/internal/storage"
	"github.com/transparency-dev/ota-client/internal/storage/slots"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	// ErrValidateFailed is returned by FinalizeInactive when the written
	// image fails its integrity checks.
	ErrValidateFailed = errors.New("image validation failed")
	// ErrNotProvisioned is returned when the device holds no boot record.
	ErrNotProvisioned = errors.New("device not provisioned")
	// ErrNoBootableSlot is returned when no slot can be booted.
	ErrNoBootableSlot = errors.New("no bootable slot")
	// ErrWriteInProgress is returned by operations which cannot run while the
	// inactive slot is being written.
	ErrWriteInProgress = errors.New("inactive slot write in progress")
	// ErrRunningUnconfirmed is returned by WriteInactive while the running
	// image is still PendingVerify.
	ErrRunningUnconfirmed = errors.New("running image not yet confirmed")
)

// Opts configures a Device.
type Opts struct {
	// Secret is the device unique secret from which the security counter
	// authentication key is derived.
	Secret []byte
	// Verifiers, if non-empty, are the keys one of which must have signed the
	// release manifest of any image finalized on the device.
	Verifiers []note.Verifier
}

// Device manages the firmware slots on a block device.
type Device struct {
	dev       storage.BlockReaderWriter
	layout    Layout
	verifiers []note.Verifier

	// mu guards everything below, and serialises access to the metadata.
	mu      sync.Mutex
	boot    *slots.Slot
	counter *securityCounter
	// writer is non-nil while an image is being written to the inactive slot.
	writer *inactiveWriter
}

// Open returns a Device for the firmware slots on dev.
func Open(dev storage.BlockReaderWriter, l Layout, opts Opts) (*Device, error) {
	if err := l.Validate(dev.NumBlocks()); err != nil {
		return nil, fmt.Errorf("invalid layout: %v", err)
	}
	meta, err := slots.OpenPartition(dev, l.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata partition: %v", err)
	}
	boot, err := meta.Open(bootRecordSlot)
	if err != nil {
		return nil, err
	}
	cs, err := meta.Open(counterSlot)
	if err != nil {
		return nil, err
	}
	counter, err := newSecurityCounter(cs, opts.Secret)
	if err != nil {
		return nil, err
	}
	return &Device{
		dev:       dev,
		layout:    l,
		verifiers: opts.Verifiers,
		boot:      boot,
		counter:   counter,
	}, nil
}

func (d *Device) readRecord() (bootRecord, error) {
	b, rev, err := d.boot.Read()
	if err != nil {
		return bootRecord{}, err
	}
	if rev == 0 {
		return bootRecord{}, ErrNotProvisioned
	}
	r, err := unmarshalBootRecord(b)
	if err != nil {
		return bootRecord{}, fmt.Errorf("corrupt boot record: %v", err)
	}
	return r, nil
}

func (d *Device) writeRecord(r bootRecord) error {
	klog.V(1).Infof("Boot record: target=%d booted=%d states=%v", r.Target, r.Booted, r.States)
	if err := d.boot.Write(r.marshal()); err != nil {
		return fmt.Errorf("failed to write boot record: %v", err)
	}
	return nil
}

// Provision installs the image into slot 0 and makes it the valid boot slot.
//
// Any existing boot state is replaced.
func (d *Device) Provision(image []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		return ErrWriteInProgress
	}
	img, err := firmware.ParseImage(image)
	if err != nil {
		return fmt.Errorf("invalid image: %v", err)
	}
	if err := d.checkManifest(img.Descriptor, img.Manifest); err != nil {
		return err
	}
	r := d.layout.Apps[0]
	if need := blocksFor(int64(len(image)), d.dev.BlockSize()); need > r.Length {
		return fmt.Errorf("image needs %d blocks, slot has %d", need, r.Length)
	}
	klog.Infof("Provisioning %s %q into slot 0", img.Descriptor.Project(), img.Descriptor.Version)
	if err := flash(d.dev, image, r.Start); err != nil {
		return fmt.Errorf("failed to write image: %v", err)
	}
	return d.writeRecord(bootRecord{
		Target: 0,
		Booted: 0,
		States: [NumSlots]State{Valid, Invalid},
	})
}

// Boot performs the bootloader's slot selection, as happens when the device
// starts, and returns the slot which is now running.
//
// A New target is booted and becomes PendingVerify. A target found still
// PendingVerify was not confirmed during its first boot, so it is marked
// Invalid and the device falls back to the other slot. Targets whose
// security version is below the security counter are never booted.
func (d *Device) Boot() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer != nil {
		return 0, ErrWriteInProgress
	}
	r, err := d.readRecord()
	if err != nil {
		return 0, err
	}
	hw, err := d.counter.read()
	if err != nil {
		return 0, err
	}

	t := r.Target
	switch r.States[t] {
	case PendingVerify:
		klog.Warningf("Slot %d was not confirmed on its first boot, rolling back", t)
		r.States[t] = Invalid
	case New:
		r.States[t] = PendingVerify
	}
	if r.States[t] != Invalid && !d.bootable(t, hw) {
		r.States[t] = Invalid
	}
	if r.States[t] == Invalid {
		o := other(t)
		if r.States[o] != Valid || !d.bootable(o, hw) {
			// Record the invalidation even though nothing can be booted.
			if err := d.writeRecord(r); err != nil {
				return 0, err
			}
			return 0, ErrNoBootableSlot
		}
		klog.Infof("Falling back to slot %d", o)
		t = o
	}
	r.Target, r.Booted = t, t
	if err := d.writeRecord(r); err != nil {
		return 0, err
	}
	klog.Infof("Booted slot %d (%v)", t, r.States[t])
	return t, nil
}

// bootable returns true if slot holds an image the bootloader would start.
func (d *Device) bootable(slot int, hwSecurityVersion uint32) bool {
	desc, err := d.descriptor(slot)
	if err != nil {
		klog.Warningf("Slot %d: unreadable image: %v", slot, err)
		return false
	}
	if desc.SecurityVersion < hwSecurityVersion {
		klog.Warningf("Slot %d: security version %d below counter %d", slot, desc.SecurityVersion, hwSecurityVersion)
		return false
	}
	return true
}

// Running returns the slot which is currently running.
func (d *Device) Running() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.readRecord()
	if err != nil {
		return 0, err
	}
	return r.Booted, nil
}

// RunningDescriptor returns the descriptor of the running firmware.
func (d *Device) RunningDescriptor() (firmware.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.readRecord()
	if err != nil {
		return firmware.Descriptor{}, err
	}
	return d.descriptor(r.Booted)
}

func (d *Device) descriptor(slot int) (firmware.Descriptor, error) {
	b, err := readAt(d.dev, d.layout.Apps[slot], 0, firmware.HeaderSize)
	if err != nil {
		return firmware.Descriptor{}, err
	}
	return firmware.ParseDescriptor(b)
}

// HardwareSecurityVersion returns the value of the anti-rollback counter.
func (d *Device) HardwareSecurityVersion() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counter.read()
}

// State returns the persisted state of slot.
func (d *Device) State(slot int) (State, error) {
	if err := checkSlot(slot); err != nil {
		return Invalid, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.readRecord()
	if err != nil {
		return Invalid, err
	}
	return r.States[slot], nil
}

// PromoteToValid marks slot as Valid, cancelling the rollback which would
// otherwise happen on the next boot, and then advances the security counter
// to the slot's security version.
//
// If only the counter write fails the slot stays Valid with the counter
// behind it; promoting the slot again retries the counter.
func (d *Device) PromoteToValid(slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.readRecord()
	if err != nil {
		return err
	}
	if r.States[slot] == Invalid {
		return fmt.Errorf("slot %d is invalid", slot)
	}
	desc, err := d.descriptor(slot)
	if err != nil {
		return fmt.Errorf("failed to read slot %d descriptor: %v", slot, err)
	}
	// The counter must not pass the fallback image before the slot is Valid.
	r.States[slot] = Valid
	if err := d.writeRecord(r); err != nil {
		return err
	}
	return d.counter.advance(desc.SecurityVersion)
}

// Invalidate marks slot as Invalid. If it was the boot target, the other
// slot becomes the target, which must be Valid.
func (d *Device) Invalidate(slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.readRecord()
	if err != nil {
		return err
	}
	if r.Target == slot {
		o := other(slot)
		if r.States[o] != Valid {
			return fmt.Errorf("%w: slot %d is %v", ErrNoBootableSlot, o, r.States[o])
		}
		r.Target = o
	}
	r.States[slot] = Invalid
	return d.writeRecord(r)
}

// Status returns a summary of the device state.
func (d *Device) Status() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.readRecord()
	if err != nil {
		return Status{}, err
	}
	hw, err := d.counter.read()
	if err != nil {
		return Status{}, err
	}
	s := Status{
		Running:         r.Booted,
		Target:          r.Target,
		States:          r.States,
		SecurityVersion: hw,
	}
	for i := range s.Descriptors {
		if desc, err := d.descriptor(i); err == nil {
			s.Descriptors[i] = &desc
		}
	}
	return s, nil
}

func (d *Device) checkManifest(desc firmware.Descriptor, m []byte) error {
	if len(d.verifiers) == 0 {
		return nil
	}
	if _, err := firmware.VerifyManifest(m, desc, d.verifiers...); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateFailed, err)
	}
	return nil
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= NumSlots {
		return fmt.Errorf("invalid slot %d", slot)
	}
	return nil
}

func other(slot int) int {
	return (slot + 1) % NumSlots
}
