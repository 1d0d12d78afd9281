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
	"bytes"
	"fmt"
	"time"

	"github.com/transparency-dev/ota-client/firmware"
)

// Status summarises the device state.
type Status struct {
	Running         int
	Target          int
	States          [NumSlots]State
	Descriptors     [NumSlots]*firmware.Descriptor
	SecurityVersion uint32
}

// Print returns the status in textual format.
func (s Status) Print() string {
	var b bytes.Buffer

	b.WriteString("------------------------------------------------------------ Firmware ----\n")
	fmt.Fprintf(&b, "Running slot ...........: %d\n", s.Running)
	fmt.Fprintf(&b, "Boot target ............: %d\n", s.Target)
	fmt.Fprintf(&b, "Security counter .......: %d\n", s.SecurityVersion)
	for i, d := range s.Descriptors {
		fmt.Fprintf(&b, "Slot %d .................: %v", i, s.States[i])
		if d != nil {
			fmt.Fprintf(&b, ", %s %q security version %d, built %s",
				d.Project(), d.Version, d.SecurityVersion, time.Unix(d.BuildTime, 0).UTC().Format(time.RFC3339))
		}
		if i < len(s.Descriptors)-1 {
			b.WriteString("\n")
		}
	}

	return b.String()
}
