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

// Package update downloads a firmware image into the inactive slot and,
// once it is complete and intact, restarts the device into it.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/ota-client/firmware"
	"github.com/transparency-dev/ota-client/internal/partition"
	"github.com/transparency-dev/ota-client/internal/validate"
	"k8s.io/klog/v2"
)

// DefaultRestartDelay is the pause between installing an image and
// restarting, which lets logs and responses flush.
const DefaultRestartDelay = time.Second

// Request describes one update attempt.
type Request struct {
	// URL is the https location of the image.
	URL string
	// RootCert holds the PEM encoded certificate(s) the server must chain to.
	RootCert []byte
	// Timeout bounds connection setup, and each wait for more data.
	Timeout time.Duration
	// Header holds extra request headers, e.g. an access token.
	Header http.Header
}

func (r Request) check() error {
	switch {
	case r.URL == "":
		return errors.New("missing URL")
	case len(r.RootCert) == 0:
		return errors.New("missing root certificate")
	case r.Timeout <= 0:
		return fmt.Errorf("timeout %v must be positive", r.Timeout)
	}
	return nil
}

// Transport opens image streams.
type Transport interface {
	Open(ctx context.Context, r Request) (Stream, error)
}

// Stream is an image being received.
type Stream interface {
	// ReadDescriptor returns the image header without consuming the body.
	ReadDescriptor() (firmware.Descriptor, error)
	// ReadChunk returns the next part of the image, starting with the header.
	// more is false once the sender has finished.
	ReadChunk() (b []byte, more bool, err error)
	// IsComplete returns true if every byte of the image was received.
	IsComplete() bool
	Close() error
}

// Partitions is the storage the image is written to.
type Partitions interface {
	RunningDescriptor() (firmware.Descriptor, error)
	HardwareSecurityVersion() (uint32, error)
	WriteInactive(b []byte) error
	AbortInactive() error
	// FinalizeInactive checks the written image and makes it the next boot
	// target. Integrity failures wrap partition.ErrValidateFailed.
	FinalizeInactive() error
}

// Restarter restarts the device. Real implementations do not return on
// success.
type Restarter interface {
	Restart() error
}

// Opts configures an Updater.
type Opts struct {
	// Policy is passed to the image validator.
	Policy validate.Policy
	// RestartDelay is the pause before restarting. Zero means
	// DefaultRestartDelay; negative means no pause.
	RestartDelay time.Duration
	// OnTransition, if set, is called on every state change of an attempt.
	OnTransition func(State)
	// OnProgress, if set, is called after each chunk is written.
	OnProgress func(written, total int64)
	// Registerer, if set, is where the update metrics are registered.
	Registerer prometheus.Registerer
}

// Updater performs update attempts, one at a time.
type Updater struct {
	t    Transport
	p    Partitions
	r    Restarter
	opts Opts
	m    *metrics

	// mu is held for the whole of an attempt.
	mu sync.Mutex
}

// New returns an Updater which fetches with t, writes to p, and restarts with r.
func New(t Transport, p Partitions, r Restarter, opts Opts) *Updater {
	if opts.RestartDelay == 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	return &Updater{
		t:    t,
		p:    p,
		r:    r,
		opts: opts,
		m:    newMetrics(opts.Registerer),
	}
}

// Process runs one update attempt.
//
// If the offered image is already running it returns ResultUpToDate and no
// error. If the image is installed it restarts the device, so on real
// hardware it does not return; otherwise it returns ResultRestartScheduled,
// along with any error from the restart. Every other outcome is
// ResultAborted with an *Error giving the reason, and leaves the boot target
// unchanged.
//
// There are no retries; a failed attempt must be retried with a new call.
func (u *Updater) Process(ctx context.Context, req Request) (Result, error) {
	if !u.mu.TryLock() {
		return ResultAborted, ErrBusy
	}
	defer u.mu.Unlock()
	u.m.attempts.Inc()

	a := &attempt{u: u}
	res, err := a.run(ctx, req)
	u.m.observe(res, err)
	if err != nil {
		a.transition(Aborted)
		klog.Errorf("Update from %q: %v", req.URL, err)
		return res, err
	}
	if res != ResultRestartScheduled {
		a.transition(Aborted)
		return res, nil
	}

	a.transition(RestartScheduled)
	klog.Infof("Update installed, restarting in %v", u.opts.RestartDelay)
	if u.opts.RestartDelay > 0 {
		time.Sleep(u.opts.RestartDelay)
	}
	if err := u.r.Restart(); err != nil {
		return res, fmt.Errorf("restart failed, new image will boot on next restart: %v", err)
	}
	return res, nil
}

// attempt is the session state of one call to Process.
type attempt struct {
	u     *Updater
	state State
}

func (a *attempt) transition(s State) {
	klog.V(1).Infof("Update state %v -> %v", a.state, s)
	a.state = s
	if a.u.opts.OnTransition != nil {
		a.u.opts.OnTransition(s)
	}
}

// run does everything up to, but not including, the restart. The stream is
// closed, and any partial write discarded, before it returns.
func (a *attempt) run(ctx context.Context, req Request) (res Result, err error) {
	u := a.u
	if err := req.check(); err != nil {
		return ResultAborted, abort(ReasonTransport, fmt.Errorf("invalid request: %v", err))
	}

	s, err := u.t.Open(ctx, req)
	if err != nil {
		return ResultAborted, abort(ReasonTransport, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Warningf("Closing stream: %v", err)
		}
	}()
	a.transition(SessionOpen)

	cand, err := s.ReadDescriptor()
	if err != nil {
		return ResultAborted, abort(ReasonDescriptorRead, err)
	}
	a.transition(DescriptorRead)

	if err := a.validate(cand); err != nil {
		if validate.Is(err, validate.SameVersion) {
			klog.Infof("Running version %q is current, nothing to do", cand.Version)
			return ResultUpToDate, nil
		}
		return ResultAborted, abort(ReasonValidation, err)
	}
	a.transition(Validated)

	// From here on the inactive slot may hold part of an image, which must
	// be discarded if we do not finish.
	a.transition(Streaming)
	defer func() {
		if err == nil {
			return
		}
		if aerr := u.p.AbortInactive(); aerr != nil {
			klog.Errorf("AbortInactive: %v", aerr)
		}
	}()

	total := cand.ImageSize()
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return ResultAborted, abort(ReasonTransport, err)
		}
		b, more, err := s.ReadChunk()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return ResultAborted, abort(ReasonIncompleteImage, err)
			}
			return ResultAborted, abort(ReasonTransport, err)
		}
		if int64(len(b)) > total-written {
			return ResultAborted, abort(ReasonTransport, fmt.Errorf("%w: more than the %d bytes declared by the image header", ErrImageOverrun, total))
		}
		if len(b) > 0 {
			if err := u.p.WriteInactive(b); err != nil {
				return ResultAborted, abort(ReasonStorage, err)
			}
			written += int64(len(b))
			u.m.bytesWritten.Add(float64(len(b)))
			if u.opts.OnProgress != nil {
				u.opts.OnProgress(written, total)
			}
		}
		if !more {
			break
		}
	}

	if !s.IsComplete() {
		return ResultAborted, abort(ReasonIncompleteImage, fmt.Errorf("received %d of %d bytes", written, total))
	}
	a.transition(Complete)

	if err := u.p.FinalizeInactive(); err != nil {
		if errors.Is(err, partition.ErrValidateFailed) {
			return ResultAborted, abort(ReasonValidateFailed, err)
		}
		return ResultAborted, abort(ReasonFinalize, err)
	}
	a.transition(Finalized)
	klog.Infof("Installed %q (security version %d)", cand.Version, cand.SecurityVersion)
	return ResultRestartScheduled, nil
}

// validate checks the candidate against the running image.
func (a *attempt) validate(cand firmware.Descriptor) error {
	p := a.u.p
	var running *firmware.Descriptor
	if d, err := p.RunningDescriptor(); err != nil {
		klog.Errorf("Failed to read running image descriptor: %v", err)
	} else {
		running = &d
	}

	var hw uint32
	if running != nil && a.u.opts.Policy.EnableRollbackCheck {
		v, err := p.HardwareSecurityVersion()
		if err != nil {
			return fmt.Errorf("failed to read hardware security version: %v", err)
		}
		hw = v
	}

	if running != nil {
		a.logDirection(cand, *running)
	}
	return validate.Validate(cand, running, hw, a.u.opts.Policy)
}

func (a *attempt) logDirection(cand, running firmware.Descriptor) {
	cv, cok := cand.SemVer()
	rv, rok := running.SemVer()
	if !cok || !rok {
		klog.Infof("Offered %q, running %q", cand.Version, running.Version)
		return
	}
	switch {
	case rv.LessThan(*cv):
		klog.Infof("Offered upgrade %v -> %v", rv, cv)
	case cv.LessThan(*rv):
		klog.Infof("Offered downgrade %v -> %v", rv, cv)
	default:
		klog.Infof("Offered %q, running %q", cand.Version, running.Version)
	}
}
