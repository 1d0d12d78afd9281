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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

// Release is the statement carried in a signed manifest.
type Release struct {
	Project         string `json:"project"`
	Version         string `json:"version"`
	SecurityVersion uint32 `json:"security_version"`
	BodySHA256      []byte `json:"body_sha256"`
}

// ReleaseFor returns the release statement describing d.
func ReleaseFor(d Descriptor) Release {
	return Release{
		Project:         d.Project(),
		Version:         d.Version.String(),
		SecurityVersion: d.SecurityVersion,
		BodySHA256:      append([]byte(nil), d.BodyDigest[:]...),
	}
}

// SignManifest returns a note containing the release statement for d,
// signed by all of signers.
func SignManifest(d Descriptor, signers ...note.Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, errors.New("no manifest signers")
	}
	j, err := json.Marshal(ReleaseFor(d))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release: %v", err)
	}
	return note.Sign(&note.Note{Text: string(j) + "\n"}, signers...)
}

// VerifyManifest checks that m is signed by one of verifiers and that the
// release it states matches d.
func VerifyManifest(m []byte, d Descriptor, verifiers ...note.Verifier) (Release, error) {
	var r Release
	if len(m) == 0 {
		return r, errors.New("missing manifest")
	}
	n, err := note.Open(m, note.VerifierList(verifiers...))
	if err != nil {
		return r, fmt.Errorf("failed to open manifest: %v", err)
	}
	if err := json.Unmarshal([]byte(n.Text), &r); err != nil {
		return r, fmt.Errorf("failed to unmarshal manifest: %v", err)
	}
	switch {
	case r.Version != d.Version.String():
		return r, fmt.Errorf("manifest version %q, image version %q", r.Version, d.Version)
	case r.SecurityVersion != d.SecurityVersion:
		return r, fmt.Errorf("manifest security version %d, image security version %d", r.SecurityVersion, d.SecurityVersion)
	case r.Project != d.Project():
		return r, fmt.Errorf("manifest project %q, image project %q", r.Project, d.Project())
	case !bytes.Equal(r.BodySHA256, d.BodyDigest[:]):
		return r, fmt.Errorf("manifest digest %x, image digest %x", r.BodySHA256, d.BodyDigest)
	}
	return r, nil
}
