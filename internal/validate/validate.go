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

// Package validate decides whether a candidate firmware image may be installed.
package validate

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-client/firmware"
)

// Reason identifies why a candidate image was rejected.
type Reason int

const (
	// SameVersion means the candidate is the firmware already running.
	// This is the normal "nothing to do" outcome.
	SameVersion Reason = iota + 1
	// SecurityVersionTooLow means the candidate's security version is below
	// the hardware anti-rollback counter.
	SecurityVersionTooLow
	// NoRunningDescriptor means the running firmware could not describe itself.
	NoRunningDescriptor
)

func (r Reason) String() string {
	switch r {
	case SameVersion:
		return "same version"
	case SecurityVersionTooLow:
		return "security version too low"
	case NoRunningDescriptor:
		return "no running descriptor"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// RejectError is returned when a candidate image must not be installed.
type RejectError struct {
	Reason Reason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "firmware rejected: " + e.Reason.String()
	}
	return fmt.Sprintf("firmware rejected: %s (%s)", e.Reason, e.Detail)
}

// Is returns true if err is a RejectError with reason r.
func Is(err error, r Reason) bool {
	var re *RejectError
	return errors.As(err, &re) && re.Reason == r
}

// Policy holds the optional checks applied to candidate images.
type Policy struct {
	// EnableRollbackCheck refuses candidates whose security version is lower
	// than the hardware security version.
	EnableRollbackCheck bool
}

// Validate returns nil if candidate may replace the running firmware.
//
// running is nil when the running partition's descriptor could not be read.
// hwSecurityVersion is only consulted when p.EnableRollbackCheck is set.
func Validate(candidate firmware.Descriptor, running *firmware.Descriptor, hwSecurityVersion uint32, p Policy) error {
	if running == nil {
		return &RejectError{Reason: NoRunningDescriptor}
	}
	if candidate.Version == running.Version {
		return &RejectError{Reason: SameVersion, Detail: candidate.Version.String()}
	}
	if p.EnableRollbackCheck && candidate.SecurityVersion < hwSecurityVersion {
		return &RejectError{
			Reason: SecurityVersionTooLow,
			Detail: fmt.Sprintf("%d < %d", candidate.SecurityVersion, hwSecurityVersion),
		}
	}
	return nil
}
