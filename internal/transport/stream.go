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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/machinebox/progress"
	"github.com/transparency-dev/ota-client/firmware"
	"k8s.io/klog/v2"
)

// ChunkSize is the largest chunk returned by ReadChunk.
const ChunkSize = 4096

// ErrIdleTimeout is returned when no data arrived within the request timeout.
var ErrIdleTimeout = errors.New("download stalled")

// stream is an image being downloaded.
type stream struct {
	resp   *http.Response
	cancel context.CancelFunc
	pr     *progress.Reader
	idle   *idleReader

	// replay holds the header bytes consumed by ReadDescriptor, still to be
	// returned by ReadChunk.
	replay []byte
	desc   *firmware.Descriptor
	// read is the number of body bytes received.
	read int64
	eof  bool
}

func newStream(ctx context.Context, cancel context.CancelFunc, resp *http.Response, timeout time.Duration) *stream {
	pr := progress.NewReader(resp.Body)
	return &stream{
		resp:   resp,
		cancel: cancel,
		pr:     pr,
		idle:   newIdleReader(pr, timeout, cancel),
	}
}

// ReadDescriptor reads the image header from the start of the stream.
//
// The header bytes are returned again by the following ReadChunk calls, so
// the chunks add up to the whole image.
func (s *stream) ReadDescriptor() (firmware.Descriptor, error) {
	if s.desc != nil {
		return *s.desc, nil
	}
	if s.read != 0 {
		return firmware.Descriptor{}, errors.New("stream already consumed")
	}
	b := make([]byte, firmware.HeaderSize)
	n, err := io.ReadFull(s.idle, b)
	s.read += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return firmware.Descriptor{}, fmt.Errorf("%w after %d bytes", firmware.ErrShortHeader, n)
		}
		return firmware.Descriptor{}, s.readErr(err)
	}
	d, err := firmware.ParseDescriptor(b)
	if err != nil {
		return firmware.Descriptor{}, err
	}
	s.replay = b
	s.desc = &d
	klog.V(1).Infof("Image header: version %q, security version %d, %d bytes", d.Version, d.SecurityVersion, d.ImageSize())
	return d, nil
}

// ReadChunk returns the next chunk of the image. more is false once the
// server has sent everything it is going to send.
//
// A body cut short of its declared Content-Length returns an error wrapping
// io.ErrUnexpectedEOF.
func (s *stream) ReadChunk() ([]byte, bool, error) {
	if len(s.replay) > 0 {
		b := s.replay
		s.replay = nil
		return b, true, nil
	}
	if s.eof {
		return nil, false, nil
	}
	buf := make([]byte, ChunkSize)
	var n int
	var err error
	for n < len(buf) && err == nil {
		var m int
		m, err = s.idle.Read(buf[n:])
		n += m
	}
	s.read += int64(n)
	switch {
	case err == nil:
		return buf[:n], true, nil
	case errors.Is(err, io.EOF):
		s.eof = true
		return buf[:n], false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, false, fmt.Errorf("connection closed after %d bytes: %w", s.read, io.ErrUnexpectedEOF)
	default:
		return nil, false, s.readErr(err)
	}
}

func (s *stream) readErr(err error) error {
	if s.idle.timedOut.Load() {
		return fmt.Errorf("%w: no data for %v", ErrIdleTimeout, s.idle.d)
	}
	return fmt.Errorf("read failed after %d bytes: %v", s.read, err)
}

// IsComplete returns true if the stream ended cleanly having delivered
// exactly the number of bytes declared by the server and by the image
// header.
func (s *stream) IsComplete() bool {
	if !s.eof {
		return false
	}
	if cl := s.resp.ContentLength; cl >= 0 && s.read != cl {
		klog.V(1).Infof("Got %d bytes, Content-Length %d", s.read, cl)
		return false
	}
	if s.desc != nil && s.read != s.desc.ImageSize() {
		klog.V(1).Infof("Got %d bytes, image header declares %d", s.read, s.desc.ImageSize())
		return false
	}
	return true
}

// Close stops the download and releases the connection.
func (s *stream) Close() error {
	s.idle.stop()
	s.cancel()
	if err := s.resp.Body.Close(); err != nil {
		klog.Errorf("resp.Body.Close(): %v", err)
		return err
	}
	return nil
}

// idleReader cancels the request if a read makes no progress for d.
type idleReader struct {
	r        io.Reader
	d        time.Duration
	t        *time.Timer
	timedOut atomic.Bool
}

func newIdleReader(r io.Reader, d time.Duration, cancel context.CancelFunc) *idleReader {
	i := &idleReader{r: r, d: d}
	i.t = time.AfterFunc(d, func() {
		i.timedOut.Store(true)
		cancel()
	})
	return i
}

func (i *idleReader) Read(p []byte) (int, error) {
	n, err := i.r.Read(p)
	if n > 0 && !i.timedOut.Load() {
		i.t.Reset(i.d)
	}
	return n, err
}

func (i *idleReader) stop() {
	i.t.Stop()
}
