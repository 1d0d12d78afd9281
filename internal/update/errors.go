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

package update

import (
	"errors"
	"fmt"
)

// ErrBusy is returned by Process when another update is already running.
var ErrBusy = errors.New("update already in progress")

// ErrImageOverrun is returned when the server sends more data than the image
// header declares. None of the excess is written.
var ErrImageOverrun = errors.New("image overrun")

// Reason classifies why an update attempt was aborted.
type Reason int

const (
	// ReasonTransport means the image could not be fetched. The attempt may
	// be retried later.
	ReasonTransport Reason = iota + 1
	// ReasonDescriptorRead means the image header was malformed or unreadable.
	ReasonDescriptorRead
	// ReasonValidation means the image was refused by policy; the error wraps
	// a *validate.RejectError.
	ReasonValidation
	// ReasonStorage means writing to the inactive slot failed.
	ReasonStorage
	// ReasonIncompleteImage means the stream ended before the whole image
	// arrived.
	ReasonIncompleteImage
	// ReasonValidateFailed means the written image failed its integrity
	// check, i.e. it was corrupted in transfer or storage.
	ReasonValidateFailed
	// ReasonFinalize means committing the written image failed for some other
	// reason.
	ReasonFinalize
)

func (r Reason) String() string {
	switch r {
	case ReasonTransport:
		return "transport"
	case ReasonDescriptorRead:
		return "descriptor-read"
	case ReasonValidation:
		return "validation"
	case ReasonStorage:
		return "storage"
	case ReasonIncompleteImage:
		return "incomplete-image"
	case ReasonValidateFailed:
		return "validate-failed"
	case ReasonFinalize:
		return "finalize"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Error is returned when an update attempt is aborted.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("update aborted (%v): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf returns the abort reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason, true
	}
	return 0, false
}

func abort(r Reason, err error) *Error {
	return &Error{Reason: r, Err: err}
}
