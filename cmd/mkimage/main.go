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

// The mkimage tool builds firmware images, optionally carrying a signed
// release manifest.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/transparency-dev/ota-client/firmware"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	bodyFile        = flag.String("body_file", "", "Firmware executable to package.")
	outputFile      = flag.String("output_file", "", "File to write the image to.")
	version         = flag.String("version", "", "Version token of the image.")
	securityVersion = flag.Uint("security_version", 0, "Anti-rollback security version of the image.")
	project         = flag.String("project", "", "Project name.")
	buildTime       = flag.Int64("build_time", 0, "Build time in seconds since the epoch, defaults to now.")
	signerKeyFile   = flag.String("signer_key_file", "", "File containing a note signer key used to sign the release manifest.")
	generateKey     = flag.String("generate_key", "", "Generate a manifest signing key pair with this name, writing NAME.sec and NAME.pub, and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *generateKey != "" {
		genKey(*generateKey)
		return
	}

	if *bodyFile == "" || *outputFile == "" || *version == "" {
		flag.PrintDefaults()
		klog.Exit("--body_file, --output_file, and --version are required")
	}
	body, err := os.ReadFile(*bodyFile)
	if err != nil {
		klog.Exitf("Failed to read body: %v", err)
	}
	d := firmware.Descriptor{
		SecurityVersion: uint32(*securityVersion),
		BuildTime:       *buildTime,
	}
	if d.Version, err = firmware.ParseVersion(*version); err != nil {
		klog.Exitf("Invalid version: %v", err)
	}
	if len(*project) > firmware.ProjectNameSize {
		klog.Exitf("Project name %q longer than %d bytes", *project, firmware.ProjectNameSize)
	}
	copy(d.ProjectName[:], *project)
	if d.BuildTime == 0 {
		d.BuildTime = time.Now().Unix()
	}

	img, err := firmware.NewImage(d, nil, body)
	if err != nil {
		klog.Exitf("NewImage: %v", err)
	}
	if *signerKeyFile != "" {
		m, err := firmware.SignManifest(img.Descriptor, signerOrDie(*signerKeyFile))
		if err != nil {
			klog.Exitf("Failed to sign manifest: %v", err)
		}
		if img, err = firmware.NewImage(img.Descriptor, m, body); err != nil {
			klog.Exitf("NewImage: %v", err)
		}
	}
	b, err := img.Bytes()
	if err != nil {
		klog.Exitf("Bytes: %v", err)
	}
	if err := os.WriteFile(*outputFile, b, 0o644); err != nil {
		klog.Exitf("Failed to write image: %v", err)
	}
	klog.Infof("Wrote %d byte image %q (security version %d) to %s", len(b), d.Version, d.SecurityVersion, *outputFile)
}

func signerOrDie(f string) note.Signer {
	b, err := os.ReadFile(f)
	if err != nil {
		klog.Exitf("Failed to read signer key: %v", err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(b)))
	if err != nil {
		klog.Exitf("Invalid signer key: %v", err)
	}
	return s
}

func genKey(name string) {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		klog.Exitf("GenerateKey: %v", err)
	}
	if err := os.WriteFile(name+".sec", []byte(skey+"\n"), 0o600); err != nil {
		klog.Exitf("Failed to write signer key: %v", err)
	}
	if err := os.WriteFile(name+".pub", []byte(vkey+"\n"), 0o644); err != nil {
		klog.Exitf("Failed to write verifier key: %v", err)
	}
	fmt.Println(vkey)
}
