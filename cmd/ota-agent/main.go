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

// ota-agent boots the device's firmware slots, confirms newly installed
// images, and periodically installs updates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transparency-dev/ota-client/internal/config"
	"github.com/transparency-dev/ota-client/internal/partition"
	"github.com/transparency-dev/ota-client/internal/rollback"
	"github.com/transparency-dev/ota-client/internal/transport"
	"github.com/transparency-dev/ota-client/internal/update"
	"k8s.io/klog/v2"
)

var (
	configFile = flag.String("config", "/etc/ota/ota.yaml", "Path to the agent config file.")
	checkNow   = flag.Bool("check_now", false, "Check for an update on start up, rather than waiting for the first interval.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.Infof("%s/%s (%s) • OTA agent", runtime.GOOS, runtime.GOARCH, runtime.Version())

	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load config: %v", err)
	}
	d, fd, err := cfg.OpenPartitions()
	if err != nil {
		klog.Exitf("Failed to open partitions: %v", err)
	}
	defer func() {
		if err := fd.Close(); err != nil {
			klog.Errorf("Closing storage: %v", err)
		}
	}()
	restarter, err := cfg.Restarter()
	if err != nil {
		klog.Exitf("Failed to create restarter: %v", err)
	}

	slot, err := d.Boot()
	if err != nil {
		klog.Exitf("Boot failed: %v", err)
	}
	if desc, err := d.RunningDescriptor(); err == nil {
		klog.Infof("Running %s %q from slot %d", desc.Project(), desc.Version, slot)
	}

	client, err := cfg.Transport(ctx, klog.V(1).Enabled())
	if err != nil {
		klog.Exitf("Failed to create transport: %v", err)
	}
	if err := confirm(ctx, cfg, client, d, restarter); err != nil {
		klog.Exitf("Failed to confirm boot: %v", err)
	}

	initMetrics()
	u := update.New(client, d, restarter, update.Opts{
		Policy:       cfg.Policy(),
		RestartDelay: cfg.Restart.Delay,
		Registerer:   prom.DefaultRegisterer,
	})
	triggerUpdate := updateChecker(ctx, cfg, u, cfg.Update.CheckInterval)
	if *checkNow {
		triggerUpdate <- struct{}{}
	}

	if cfg.MetricsAddr != "" {
		if err := serveAdmin(ctx, cfg.MetricsAddr, d, triggerUpdate); err != nil {
			klog.Exitf("Admin listener: %v", err)
		}
	}

	<-ctx.Done()
	klog.Info("Shutting down")
}

func initMetrics() {
	// The default registry only has some of the Go collectors, so replace
	// it with the expanded set.
	prom.Unregister(collectors.NewGoCollector())
	prom.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")})))
}

// confirm decides the fate of a newly installed image. If a self-check URL
// is configured the image is only kept if it can be fetched; otherwise
// reaching this point is taken as success.
func confirm(ctx context.Context, cfg *config.Config, client *transport.Client, d *partition.Device, r rollback.Restarter) error {
	c := rollback.New(d)
	if cfg.Update.SelfCheckURL != "" {
		req, err := cfg.Request(cfg.Update.SelfCheckURL)
		if err != nil {
			return err
		}
		if err := client.Check(ctx, req); err != nil {
			klog.Errorf("Self-check %q failed: %v", req.URL, err)
			err := c.RejectBoot(r)
			if errors.Is(err, rollback.ErrNotPendingVerify) {
				// The running image is already confirmed, so keep it.
				return nil
			}
			return err
		}
	}
	err := c.ConfirmBoot()
	if errors.Is(err, rollback.ErrNotPendingVerify) {
		klog.V(1).Info("No image awaiting confirmation")
		return nil
	}
	return err
}

func updateChecker(ctx context.Context, cfg *config.Config, u *update.Updater, i time.Duration) chan<- struct{} {
	trigger := make(chan struct{}, 1)

	go func(ctx context.Context) {
		t := time.NewTicker(i)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case trigger <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}(ctx)

	go func(ctx context.Context) {
		for {
			select {
			case <-trigger:
				req, err := cfg.Request("")
				if err != nil {
					klog.Errorf("Failed to build update request: %v", err)
					continue
				}
				klog.V(1).Info("Checking for available updates")
				res, err := u.Process(ctx, req)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						klog.Info("No update published")
						continue
					}
					klog.Errorf("Update: %v", err)
					continue
				}
				klog.Infof("Update check: %v", res)
			case <-ctx.Done():
				return
			}
		}
	}(ctx)

	return trigger
}

func serveAdmin(ctx context.Context, addr string, d *partition.Device, triggerUpdate chan<- struct{}) error {
	l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("could not initialize admin listener: %v", err)
	}
	srvMux := http.NewServeMux()
	srvMux.Handle("/metrics", promhttp.Handler())
	srvMux.HandleFunc("/updatecheck", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case triggerUpdate <- struct{}{}:
		default:
		}
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte("ok, update check queued"))
	})
	srvMux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "text/plain")
		s, err := d.Status()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
			return
		}
		w.Write([]byte(s.Print()))
	})
	srv := &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      srvMux,
	}
	go func() {
		<-ctx.Done()
		klog.Infof("Closing admin port (%s)", addr)
		if err := srv.Close(); err != nil {
			klog.Errorf("Error closing admin port: %v", err)
		}
	}()
	go func() {
		if err := srv.Serve(l); err != http.ErrServerClosed {
			klog.Errorf("Error serving metrics: %v", err)
		}
	}()
	return nil
}
