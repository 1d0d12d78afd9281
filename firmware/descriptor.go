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

// Package firmware provides definitions of the firmware image format and
// associated metadata.
package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

const (
	// Magic identifies the start of a firmware image.
	Magic uint32 = 0xABCD5432

	// HeaderSize is the length in bytes of the fixed image header.
	HeaderSize = 128

	// VersionSize is the length of the opaque version token.
	VersionSize = 32

	// ProjectNameSize is the length of the project name token.
	ProjectNameSize = 32

	// MaxManifestLength bounds the signed manifest which may follow the header.
	MaxManifestLength = 4096
)

var (
	// ErrBadMagic is returned when a buffer does not start with an image header.
	ErrBadMagic = errors.New("invalid image magic")
	// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
	ErrShortHeader = errors.New("short image header")
)

// Version is the fixed-size version token embedded in a firmware image.
//
// Versions are opaque: two versions are the same only if every byte is equal.
type Version [VersionSize]byte

// ParseVersion returns the NUL padded token for s.
func ParseVersion(s string) (Version, error) {
	var v Version
	if len(s) == 0 {
		return v, errors.New("empty version")
	}
	if len(s) > VersionSize {
		return v, fmt.Errorf("version %q longer than %d bytes", s, VersionSize)
	}
	copy(v[:], s)
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version with trailing padding removed.
func (v Version) String() string {
	return string(bytes.TrimRight(v[:], "\x00"))
}

// Descriptor is the metadata found at the start of every firmware image.
type Descriptor struct {
	// Version identifies the release this image was built from.
	Version Version
	// SecurityVersion is the anti-rollback version of the image. Devices with
	// rollback protection enabled refuse images whose SecurityVersion is lower
	// than their hardware counter.
	SecurityVersion uint32
	// ProjectName is the name of the firmware project.
	ProjectName [ProjectNameSize]byte
	// BuildTime is the build timestamp in seconds since the unix epoch.
	BuildTime int64
	// BodyLength is the length in bytes of the image body.
	BodyLength uint64
	// ManifestLength is the length in bytes of the signed manifest which sits
	// between the header and the body. It may be zero.
	ManifestLength uint32
	// BodyDigest is the SHA-256 hash of the image body.
	BodyDigest [sha256.Size]byte
}

// Project returns the project name with trailing padding removed.
func (d Descriptor) Project() string {
	return string(bytes.TrimRight(d.ProjectName[:], "\x00"))
}

// ImageSize returns the total number of bytes in the image described by d.
func (d Descriptor) ImageSize() int64 {
	return int64(HeaderSize) + int64(d.ManifestLength) + int64(d.BodyLength)
}

// SemVer returns the version interpreted as a semantic version, if possible.
//
// This is informational only, versions are compared as opaque tokens.
func (d Descriptor) SemVer() (*semver.Version, bool) {
	v, err := semver.NewVersion(strings.TrimPrefix(d.Version.String(), "v"))
	if err != nil {
		return nil, false
	}
	return v, true
}

// MarshalBinary encodes the descriptor as an image header.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	if d.ManifestLength > MaxManifestLength {
		return nil, fmt.Errorf("manifest length %d exceeds %d", d.ManifestLength, MaxManifestLength)
	}
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint32(b[4:], d.SecurityVersion)
	binary.LittleEndian.PutUint64(b[8:], uint64(d.BuildTime))
	copy(b[16:48], d.Version[:])
	copy(b[48:80], d.ProjectName[:])
	binary.LittleEndian.PutUint64(b[80:], d.BodyLength)
	binary.LittleEndian.PutUint32(b[88:], d.ManifestLength)
	copy(b[96:128], d.BodyDigest[:])
	return b, nil
}

// ParseDescriptor decodes the image header at the start of b.
func ParseDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	if len(b) < HeaderSize {
		return d, ErrShortHeader
	}
	if m := binary.LittleEndian.Uint32(b[0:]); m != Magic {
		return d, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	if r := binary.LittleEndian.Uint32(b[92:]); r != 0 {
		return d, fmt.Errorf("reserved header field set: %#x", r)
	}
	d.SecurityVersion = binary.LittleEndian.Uint32(b[4:])
	d.BuildTime = int64(binary.LittleEndian.Uint64(b[8:]))
	copy(d.Version[:], b[16:48])
	copy(d.ProjectName[:], b[48:80])
	d.BodyLength = binary.LittleEndian.Uint64(b[80:])
	d.ManifestLength = binary.LittleEndian.Uint32(b[88:])
	copy(d.BodyDigest[:], b[96:128])

	if d.ManifestLength > MaxManifestLength {
		return d, fmt.Errorf("manifest length %d exceeds %d", d.ManifestLength, MaxManifestLength)
	}
	return d, nil
}

// Image is a complete firmware image.
type Image struct {
	Descriptor Descriptor
	// Manifest is the optional signed release manifest.
	Manifest []byte
	// Body is the firmware executable data.
	Body []byte
}

// NewImage assembles an image for body, filling in the length and digest
// fields of d.
func NewImage(d Descriptor, manifest, body []byte) (*Image, error) {
	d.BodyLength = uint64(len(body))
	d.ManifestLength = uint32(len(manifest))
	d.BodyDigest = sha256.Sum256(body)
	if d.ManifestLength > MaxManifestLength {
		return nil, fmt.Errorf("manifest length %d exceeds %d", d.ManifestLength, MaxManifestLength)
	}
	return &Image{
		Descriptor: d,
		Manifest:   manifest,
		Body:       body,
	}, nil
}

// Bytes returns the serialised image.
func (i *Image) Bytes() ([]byte, error) {
	h, err := i.Descriptor.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, i.Descriptor.ImageSize())
	b = append(b, h...)
	b = append(b, i.Manifest...)
	return append(b, i.Body...), nil
}

// ParseImage splits a serialised image into its parts and checks the body
// digest.
func ParseImage(b []byte) (*Image, error) {
	d, err := ParseDescriptor(b)
	if err != nil {
		return nil, err
	}
	if got, want := int64(len(b)), d.ImageSize(); got != want {
		return nil, fmt.Errorf("image is %d bytes, header declares %d", got, want)
	}
	m := b[HeaderSize : HeaderSize+int(d.ManifestLength)]
	body := b[HeaderSize+int(d.ManifestLength):]
	if sum := sha256.Sum256(body); sum != d.BodyDigest {
		return nil, fmt.Errorf("body digest mismatch: got %x, header says %x", sum, d.BodyDigest)
	}
	return &Image{Descriptor: d, Manifest: m, Body: body}, nil
}
