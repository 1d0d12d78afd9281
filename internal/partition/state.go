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
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// State is the persisted boot state of a firmware slot.
type State int

const (
	// Invalid slots are never booted. This is also the state of a slot
	// which has never held firmware, or which is being written.
	Invalid State = iota
	// Valid slots hold factory installed or boot-confirmed firmware.
	Valid
	// New slots hold a finalized image which has not yet been booted.
	New
	// PendingVerify slots are on their first boot and will be rolled back
	// if the boot is not confirmed before the next restart.
	PendingVerify
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	case New:
		return "new"
	case PendingVerify:
		return "pending-verify"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// NumSlots is the number of firmware slots on a device.
const NumSlots = 2

// bootRecord is the persisted boot selection.
type bootRecord struct {
	// Target is the slot the bootloader will try next.
	Target int
	// Booted is the slot the bootloader started most recently, i.e. the
	// running slot.
	Booted int
	States [NumSlots]State
}

// Field numbers of the encoded boot record.
const (
	fieldTarget protowire.Number = 1
	fieldBooted protowire.Number = 2
	fieldState  protowire.Number = 3
)

func (r bootRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTarget, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Target))
	b = protowire.AppendTag(b, fieldBooted, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Booted))
	for _, s := range r.States {
		b = protowire.AppendTag(b, fieldState, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s))
	}
	return b
}

func unmarshalBootRecord(b []byte) (bootRecord, error) {
	var r bootRecord
	nStates := 0
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			// Skip fields added by later versions.
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("bad field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return r, fmt.Errorf("bad varint in field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldTarget:
			r.Target = int(v)
		case fieldBooted:
			r.Booted = int(v)
		case fieldState:
			if nStates >= NumSlots {
				return r, errors.New("too many slot states")
			}
			r.States[nStates] = State(v)
			nStates++
		}
	}
	if nStates != NumSlots {
		return r, fmt.Errorf("got %d slot states, want %d", nStates, NumSlots)
	}
	if r.Target < 0 || r.Target >= NumSlots || r.Booted < 0 || r.Booted >= NumSlots {
		return r, fmt.Errorf("slot out of range (target %d, booted %d)", r.Target, r.Booted)
	}
	for i, s := range r.States {
		if s < Invalid || s > PendingVerify {
			return r, fmt.Errorf("slot %d has unknown state %d", i, s)
		}
	}
	return r, nil
}
