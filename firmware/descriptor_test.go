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

package firmware

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"
)

func testDescriptor() Descriptor {
	d := Descriptor{
		Version:         MustParseVersion("1.1.0"),
		SecurityVersion: 3,
		BuildTime:       1700000000,
	}
	copy(d.ProjectName[:], "sensor-node")
	return d
}

func TestParseVersion(t *testing.T) {
	for _, test := range []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "works", in: "1.0.0"},
		{name: "exactly max length", in: strings.Repeat("a", VersionSize)},
		{name: "empty", in: "", wantErr: true},
		{name: "too long", in: strings.Repeat("a", VersionSize+1), wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			v, err := ParseVersion(test.in)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("ParseVersion(%q) = %v, wantErr %t", test.in, err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if got := v.String(); got != test.in {
				t.Fatalf("String() = %q, want %q", got, test.in)
			}
		})
	}
}

func TestVersionEqualityIsBytewise(t *testing.T) {
	a := MustParseVersion("1.0.0")
	b := MustParseVersion("1.0.0")
	if a != b {
		t.Fatal("identical versions compare unequal")
	}
	// Semantically equal, but a different token.
	if c := MustParseVersion("v1.0.0"); a == c {
		t.Fatal("1.0.0 and v1.0.0 compare equal")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	img, err := NewImage(testDescriptor(), []byte("manifest"), []byte("the body"))
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	b, err := img.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if got, want := int64(len(b)), img.Descriptor.ImageSize(); got != want {
		t.Fatalf("got %d image bytes, want %d", got, want)
	}
	got, err := ParseImage(b)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if diff := cmp.Diff(img, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestParseDescriptorErrors(t *testing.T) {
	good, err := testDescriptor().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	for _, test := range []struct {
		name    string
		mutate  func(b []byte) []byte
		wantErr error
	}{
		{
			name:   "works",
			mutate: func(b []byte) []byte { return b },
		}, {
			name:    "short",
			mutate:  func(b []byte) []byte { return b[:HeaderSize-1] },
			wantErr: ErrShortHeader,
		}, {
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] ^= 0xff
				return b
			},
			wantErr: ErrBadMagic,
		}, {
			name: "reserved set",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[92:], 1)
				return b
			},
			wantErr: errAny,
		}, {
			name: "manifest too long",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[88:], MaxManifestLength+1)
				return b
			},
			wantErr: errAny,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := test.mutate(append([]byte(nil), good...))
			_, err := ParseDescriptor(b)
			switch {
			case test.wantErr == nil && err != nil:
				t.Fatalf("ParseDescriptor: %v", err)
			case test.wantErr == errAny && err == nil:
				t.Fatal("ParseDescriptor succeeded, want error")
			case test.wantErr != nil && test.wantErr != errAny && !errors.Is(err, test.wantErr):
				t.Fatalf("ParseDescriptor: %v, want %v", err, test.wantErr)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestParseImageDigestMismatch(t *testing.T) {
	img, err := NewImage(testDescriptor(), nil, []byte("the body"))
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	b, _ := img.Bytes()
	b[len(b)-1] ^= 1
	if _, err := ParseImage(b); err == nil {
		t.Fatal("ParseImage succeeded on corrupt body")
	}
}

func TestSemVer(t *testing.T) {
	d := testDescriptor()
	if v, ok := d.SemVer(); !ok || v.String() != "1.1.0" {
		t.Fatalf("SemVer() = %v, %t", v, ok)
	}
	d.Version = MustParseVersion("build-42")
	if _, ok := d.SemVer(); ok {
		t.Fatal("SemVer() parsed an opaque token")
	}
}

func TestManifest(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "release")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	_, otherVKey, _ := note.GenerateKey(rand.Reader, "other")
	other, _ := note.NewVerifier(otherVKey)

	img, err := NewImage(testDescriptor(), nil, []byte("body"))
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	d := img.Descriptor
	m, err := SignManifest(d, signer)
	if err != nil {
		t.Fatalf("SignManifest: %v", err)
	}

	if _, err := VerifyManifest(m, d, verifier); err != nil {
		t.Fatalf("VerifyManifest: %v", err)
	}
	if _, err := VerifyManifest(m, d, other); err == nil {
		t.Fatal("VerifyManifest succeeded with unknown key")
	}
	if _, err := VerifyManifest(nil, d, verifier); err == nil {
		t.Fatal("VerifyManifest succeeded with no manifest")
	}
	d2 := d
	d2.SecurityVersion++
	if _, err := VerifyManifest(m, d2, verifier); err == nil {
		t.Fatal("VerifyManifest succeeded with mismatched security version")
	}
	d3 := d
	d3.BodyDigest[0] ^= 1
	if _, err := VerifyManifest(m, d3, verifier); err == nil {
		t.Fatal("VerifyManifest succeeded with mismatched digest")
	}
}
