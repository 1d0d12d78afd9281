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

// otactl inspects and drives the firmware slots of a device by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/ota-client/internal/config"
	"github.com/transparency-dev/ota-client/internal/partition"
	"github.com/transparency-dev/ota-client/internal/rollback"
	"github.com/transparency-dev/ota-client/internal/update"
	"k8s.io/klog/v2"
)

var (
	configFile = flag.String("config", "/etc/ota/ota.yaml", "Path to the config file.")
	status     = flag.Bool("status", false, "Print the state of the firmware slots.")
	provision  = flag.String("provision", "", "Install this image into slot 0 of an empty device.")
	boot       = flag.Bool("boot", false, "Run the boot slot selection, as the bootloader does on start up.")
	doUpdate   = flag.Bool("update", false, "Fetch and install an update, then restart.")
	updateURL  = flag.String("url", "", "Image URL for -update, if not the configured one.")
	doConfirm  = flag.Bool("confirm", false, "Confirm the running image.")
	doReject   = flag.Bool("reject", false, "Reject the running image and restart into the previous one.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}
		klog.Exitf("%v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	d, fd, err := cfg.OpenPartitions()
	if err != nil {
		return err
	}
	defer fd.Close()

	switch {
	case *status:
		s, err := d.Status()
		if err != nil {
			return err
		}
		fmt.Println(s.Print())
	case *provision != "":
		img, err := os.ReadFile(*provision)
		if err != nil {
			return err
		}
		if err := d.Provision(img); err != nil {
			return err
		}
		fmt.Println("Provisioned slot 0")
	case *boot:
		slot, err := d.Boot()
		if err != nil {
			return err
		}
		fmt.Printf("Booted slot %d\n", slot)
	case *doUpdate:
		return install(ctx, cfg, d)
	case *doConfirm:
		err := rollback.New(d).ConfirmBoot()
		if errors.Is(err, rollback.ErrNotPendingVerify) {
			fmt.Println("Nothing to confirm")
			return nil
		}
		return err
	case *doReject:
		r, err := cfg.Restarter()
		if err != nil {
			return err
		}
		return rollback.New(d).RejectBoot(r)
	default:
		return errors.New("no action given")
	}
	return nil
}

func install(ctx context.Context, cfg *config.Config, d *partition.Device) error {
	req, err := cfg.Request(*updateURL)
	if err != nil {
		return err
	}
	client, err := cfg.Transport(ctx, false)
	if err != nil {
		return err
	}
	r, err := cfg.Restarter()
	if err != nil {
		return err
	}

	var bar *pb.ProgressBar
	u := update.New(client, d, r, update.Opts{
		Policy:       cfg.Policy(),
		RestartDelay: cfg.Restart.Delay,
		OnProgress: func(written, total int64) {
			if bar == nil {
				bar = pb.Full.Start64(total)
				bar.Set(pb.Bytes, true)
			}
			bar.SetCurrent(written)
		},
		OnTransition: func(s update.State) {
			if bar != nil && s != update.Streaming {
				bar.Finish()
				bar = nil
			}
			klog.V(1).Infof("Update %v", s)
		},
	})
	res, err := u.Process(ctx, req)
	if bar != nil {
		bar.Finish()
	}
	fmt.Printf("Update %v\n", res)
	return err
}
