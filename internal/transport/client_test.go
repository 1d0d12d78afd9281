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
	"bytes"
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/ota-client/firmware"
	"github.com/transparency-dev/ota-client/internal/update"
)

const tokenHeader = "Private-Token"

func testImage(t *testing.T) (*firmware.Image, []byte) {
	t.Helper()
	d := firmware.Descriptor{
		Version:         firmware.MustParseVersion("1.1.0"),
		SecurityVersion: 2,
	}
	copy(d.ProjectName[:], "test")
	img, err := firmware.NewImage(d, nil, bytes.Repeat([]byte("firmware"), 3000))
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	b, err := img.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return img, b
}

func rootPEM(srv *httptest.Server) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
}

// readAll drains s, returning the concatenated chunks.
func readAll(s update.Stream) ([]byte, error) {
	var got []byte
	for {
		b, more, err := s.ReadChunk()
		if err != nil {
			return got, err
		}
		got = append(got, b...)
		if !more {
			return got, nil
		}
	}
}

func TestOpenAndRead(t *testing.T) {
	img, b := testImage(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get(tokenHeader), "s3cret"; got != want {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.Write(b)
	}))
	defer srv.Close()

	c := New(Opts{LogProgress: true})
	s, err := c.Open(context.Background(), update.Request{
		URL:      srv.URL + "/fw.bin",
		RootCert: rootPEM(srv),
		Timeout:  5 * time.Second,
		Header:   http.Header{tokenHeader: []string{"s3cret"}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	d, err := s.ReadDescriptor()
	if err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}
	if diff := cmp.Diff(img.Descriptor, d); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if s.IsComplete() {
		t.Fatal("IsComplete() = true before reading body")
	}
	got, err := readAll(s)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Fatalf("Got %d bytes which differ from the %d byte image", len(got), len(b))
	}
	if !s.IsComplete() {
		t.Fatal("IsComplete() = false after full image")
	}
}

func TestOpenErrors(t *testing.T) {
	other := httptest.NewTLSServer(http.NotFoundHandler())
	defer other.Close()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/broken":
			http.Error(w, "oops", http.StatusInternalServerError)
		default:
			w.Write([]byte("hello"))
		}
	}))
	defer srv.Close()

	for _, test := range []struct {
		name    string
		req     update.Request
		wantErr error
	}{
		{
			name: "works",
			req:  update.Request{URL: srv.URL, RootCert: rootPEM(srv), Timeout: time.Second},
		}, {
			name:    "not found",
			req:     update.Request{URL: srv.URL + "/missing", RootCert: rootPEM(srv), Timeout: time.Second},
			wantErr: os.ErrNotExist,
		}, {
			name:    "server error",
			req:     update.Request{URL: srv.URL + "/broken", RootCert: rootPEM(srv), Timeout: time.Second},
			wantErr: errAny,
		}, {
			name:    "untrusted server",
			req:     update.Request{URL: srv.URL, RootCert: rootPEM(other), Timeout: time.Second},
			wantErr: errAny,
		}, {
			name:    "no certificate",
			req:     update.Request{URL: srv.URL, RootCert: []byte("not a pem"), Timeout: time.Second},
			wantErr: errAny,
		}, {
			name:    "plain http",
			req:     update.Request{URL: "http://example.com/fw.bin", RootCert: rootPEM(srv), Timeout: time.Second},
			wantErr: errAny,
		}, {
			name:    "zero timeout",
			req:     update.Request{URL: srv.URL, RootCert: rootPEM(srv)},
			wantErr: errAny,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			s, err := New(Opts{}).Open(context.Background(), test.req)
			switch {
			case test.wantErr == nil && err != nil:
				t.Fatalf("Open: %v", err)
			case test.wantErr == errAny && err == nil:
				t.Fatal("Open succeeded, want error")
			case test.wantErr != nil && test.wantErr != errAny && !errors.Is(err, test.wantErr):
				t.Fatalf("Open: %v, want %v", err, test.wantErr)
			}
			if err == nil {
				s.Close()
			}
		})
	}
}

var errAny = errors.New("any error")

func TestTruncated(t *testing.T) {
	_, b := testImage(t)
	short := b[:len(b)*6/10]
	for _, test := range []struct {
		name string
		// declareLength sends the full image length as Content-Length.
		declareLength bool
		wantErr       error
	}{
		{
			name:          "connection dropped",
			declareLength: true,
			wantErr:       io.ErrUnexpectedEOF,
		}, {
			name: "clean end of short image",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if test.declareLength {
					w.Header().Set("Content-Length", strconv.Itoa(len(b)))
				}
				w.Write(short)
			}))
			defer srv.Close()

			s, err := New(Opts{}).Open(context.Background(), update.Request{URL: srv.URL, RootCert: rootPEM(srv), Timeout: 5 * time.Second})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if _, err := s.ReadDescriptor(); err != nil {
				t.Fatalf("ReadDescriptor: %v", err)
			}
			_, err = readAll(s)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("ReadChunk: %v, want %v", err, test.wantErr)
				}
			} else if err != nil {
				t.Fatalf("ReadChunk: %v", err)
			}
			if s.IsComplete() {
				t.Fatal("IsComplete() = true for truncated image")
			}
		})
	}
}

func TestBadHeader(t *testing.T) {
	for _, test := range []struct {
		name    string
		body    []byte
		wantErr error
	}{
		{
			name:    "short",
			body:    []byte("tiny"),
			wantErr: firmware.ErrShortHeader,
		}, {
			name:    "not an image",
			body:    bytes.Repeat([]byte{0xff}, 1000),
			wantErr: firmware.ErrBadMagic,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write(test.body)
			}))
			defer srv.Close()
			s, err := New(Opts{}).Open(context.Background(), update.Request{URL: srv.URL, RootCert: rootPEM(srv), Timeout: 5 * time.Second})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if _, err := s.ReadDescriptor(); !errors.Is(err, test.wantErr) {
				t.Fatalf("ReadDescriptor: %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestIdleTimeout(t *testing.T) {
	_, b := testImage(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.Write(b[:firmware.HeaderSize])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	s, err := New(Opts{}).Open(context.Background(), update.Request{URL: srv.URL, RootCert: rootPEM(srv), Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := s.ReadDescriptor(); err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}
	if _, err := readAll(s); !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("ReadChunk: %v, want %v", err, ErrIdleTimeout)
	}
	if s.IsComplete() {
		t.Fatal("IsComplete() = true after timeout")
	}
}

func TestCheck(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Opts{})
	req := update.Request{URL: srv.URL + "/healthz", RootCert: rootPEM(srv), Timeout: 5 * time.Second}
	if err := c.Check(context.Background(), req); err != nil {
		t.Fatalf("Check: %v", err)
	}
	req.URL = srv.URL + "/other"
	if err := c.Check(context.Background(), req); err == nil {
		t.Fatal("Check succeeded for failing endpoint")
	}
}
