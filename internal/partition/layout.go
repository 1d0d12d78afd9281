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
	"fmt"

	"github.com/transparency-dev/ota-client/internal/storage/slots"
)

const (
	// metaBlocks is the size of the metadata partition at the start of the device.
	metaBlocks = 8

	bootRecordSlot = 0
	counterSlot    = 1
)

// Region is a contiguous range of blocks [Start, Start+Length).
type Region struct {
	Start  uint
	Length uint
}

// Layout describes where the metadata and firmware slots live on a device.
type Layout struct {
	// Meta holds the boot record and the security counter slots.
	Meta slots.Geometry
	// Apps are the firmware slots.
	Apps [NumSlots]Region
}

// NewLayout returns the standard layout for a device of numBlocks blocks: a
// small metadata partition followed by two equally sized firmware slots.
func NewLayout(numBlocks uint) (Layout, error) {
	if numBlocks < metaBlocks+2*NumSlots {
		return Layout{}, fmt.Errorf("device of %d blocks is too small", numBlocks)
	}
	app := (numBlocks - metaBlocks) / NumSlots
	l := Layout{
		Meta: slots.Geometry{
			Start:       0,
			Length:      metaBlocks,
			SlotLengths: []uint{metaBlocks / 2, metaBlocks / 2},
		},
	}
	for i := range l.Apps {
		l.Apps[i] = Region{Start: metaBlocks + uint(i)*app, Length: app}
	}
	return l, nil
}

// Validate checks that the layout fits a device of numBlocks blocks and that
// no regions overlap.
func (l Layout) Validate(numBlocks uint) error {
	if err := l.Meta.Validate(); err != nil {
		return err
	}
	if len(l.Meta.SlotLengths) < 2 {
		return fmt.Errorf("metadata partition has %d slots, need 2", len(l.Meta.SlotLengths))
	}
	regions := []Region{{Start: l.Meta.Start, Length: l.Meta.Length}}
	regions = append(regions, l.Apps[:]...)
	for i, r := range regions {
		if r.Length == 0 {
			return fmt.Errorf("region %d is empty", i)
		}
		if r.Start+r.Length > numBlocks {
			return fmt.Errorf("region %d [%d, %d) exceeds device (%d blocks)", i, r.Start, r.Start+r.Length, numBlocks)
		}
		for _, o := range regions[:i] {
			if r.Start < o.Start+o.Length && o.Start < r.Start+r.Length {
				return fmt.Errorf("region %d [%d, %d) overlaps [%d, %d)", i, r.Start, r.Start+r.Length, o.Start, o.Start+o.Length)
			}
		}
	}
	return nil
}
