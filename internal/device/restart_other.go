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

//go:build !linux

package device

import (
	"errors"
	"fmt"
	"runtime"
)

// Syscall restarts the machine with the reboot system call, which is only
// available on Linux.
type Syscall struct{}

func (Syscall) Restart() error {
	return fmt.Errorf("reboot on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}
