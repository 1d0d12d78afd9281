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

// Package rollback confirms or rejects the first boot of a newly installed
// firmware image.
//
// A newly installed image boots in the PendingVerify state. Unless ConfirmBoot
// is called before the next restart, the device falls back to the previous
// image.
package rollback

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-client/internal/partition"
	"k8s.io/klog/v2"
)

var (
	// ErrNotPendingVerify is returned when the running image is not awaiting
	// confirmation, so there is nothing to do.
	ErrNotPendingVerify = errors.New("running image is not pending verification")
	// ErrPromotionFailed matches any *PromotionError.
	ErrPromotionFailed = errors.New("promotion failed")
)

// PromotionError is returned when the state of the running slot could not be
// changed.
type PromotionError struct {
	Slot int
	Err  error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("failed to update state of slot %d: %v", e.Slot, e.Err)
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}

func (e *PromotionError) Is(target error) bool {
	return target == ErrPromotionFailed
}

// Partitions is the persisted slot state.
type Partitions interface {
	Running() (int, error)
	State(slot int) (partition.State, error)
	PromoteToValid(slot int) error
	Invalidate(slot int) error
}

// Restarter restarts the device.
type Restarter interface {
	Restart() error
}

// Confirmer acts on the running slot.
type Confirmer struct {
	p Partitions
}

// New returns a Confirmer for p.
func New(p Partitions) *Confirmer {
	return &Confirmer{p: p}
}

// pending returns the running slot if it is awaiting confirmation.
func (c *Confirmer) pending() (int, error) {
	slot, err := c.p.Running()
	if err != nil {
		return 0, fmt.Errorf("failed to find running slot: %v", err)
	}
	s, err := c.p.State(slot)
	if err != nil {
		return 0, fmt.Errorf("failed to read state of slot %d: %v", slot, err)
	}
	if s != partition.PendingVerify {
		klog.V(1).Infof("Running slot %d is %v", slot, s)
		return 0, ErrNotPendingVerify
	}
	return slot, nil
}

// ConfirmBoot marks the running image Valid, cancelling the rollback.
//
// Callers must only confirm once they have checked the new image works.
// Confirming an image which is already Valid returns ErrNotPendingVerify and
// changes nothing.
func (c *Confirmer) ConfirmBoot() error {
	slot, err := c.pending()
	if err != nil {
		return err
	}
	if err := c.p.PromoteToValid(slot); err != nil {
		return &PromotionError{Slot: slot, Err: err}
	}
	klog.Infof("Confirmed image in slot %d", slot)
	return nil
}

// RejectBoot marks the running image Invalid, makes the previous image the
// boot target, and restarts into it. On real hardware it does not return
// unless something failed.
func (c *Confirmer) RejectBoot(r Restarter) error {
	slot, err := c.pending()
	if err != nil {
		return err
	}
	if err := c.p.Invalidate(slot); err != nil {
		return &PromotionError{Slot: slot, Err: err}
	}
	klog.Warningf("Rejected image in slot %d, restarting", slot)
	return r.Restart()
}
