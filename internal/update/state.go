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

import "fmt"

// State is the progress of a single update attempt.
type State int

const (
	Idle State = iota
	SessionOpen
	DescriptorRead
	Validated
	Streaming
	Complete
	Finalized
	// RestartScheduled and Aborted are terminal.
	RestartScheduled
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SessionOpen:
		return "session-open"
	case DescriptorRead:
		return "descriptor-read"
	case Validated:
		return "validated"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Finalized:
		return "finalized"
	case RestartScheduled:
		return "restart-scheduled"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of Process.
type Result int

const (
	// ResultAborted means the attempt failed; the error says why.
	ResultAborted Result = iota
	// ResultUpToDate means the offered image is the one already running.
	ResultUpToDate
	// ResultRestartScheduled means the new image was installed and the
	// device restart was requested.
	ResultRestartScheduled
)

func (r Result) String() string {
	switch r {
	case ResultAborted:
		return "aborted"
	case ResultUpToDate:
		return "up-to-date"
	case ResultRestartScheduled:
		return "restart-scheduled"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}
