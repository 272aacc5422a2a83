/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/volmux/volmux/internal/backend"
	_ "github.com/volmux/volmux/internal/backend/drivers/cliarray"
	_ "github.com/volmux/volmux/internal/backend/drivers/restarray"
	"github.com/volmux/volmux/internal/dispatch"
	"github.com/volmux/volmux/internal/replication"
	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"
)

var conf util.Config

func init() {
	// common flags
	flag.StringVar(&conf.ConfigFile, "config", "/etc/volmux/backends.json",
		"path to the backend descriptor config file")
	flag.StringVar(&conf.SessionStore, "sessionstore", "/var/lib/volmux/sessions",
		"directory where replication session records are kept")

	flag.StringVar(&conf.MetricsPath, "metricspath", "/metrics", "path of prometheus endpoint where metrics will be available")
	flag.StringVar(&conf.MetricsIP, "metricsip", "", "TCP IP for metrics requests")
	flag.IntVar(&conf.MetricsPort, "metricsport", 8080, "TCP port for metrics requests")

	flag.DurationVar(&conf.RetryInterval, "retryinterval", time.Second,
		"initial backoff between retries of a transient backend failure")
	flag.IntVar(&conf.RetrySteps, "retrysteps", 5, "maximum number of attempts per operation")
	flag.DurationVar(&conf.AttemptTimeout, "attempttimeout", 2*time.Minute,
		"timeout applied to a single attempt against a backend")
	flag.DurationVar(&conf.PollTime, "polltime", time.Duration(time.Minute*5), "time interval in between backend capacity polls")

	flag.BoolVar(&conf.EnableProfiling, "enableprofiling", false, "enable go profiling")
	flag.BoolVar(&conf.Version, "version", false, "Print volmux version and exit")

	klog.InitFlags(nil)
	if err := flag.Set("logtostderr", "true"); err != nil {
		klog.Exitf("failed to set logtostderr flag: %v", err)
	}
	flag.Parse()
}

func printVersion() {
	fmt.Println("volmux version:", util.DriverVersion)
	fmt.Println("Git commit:", util.GitCommit)
	fmt.Println("Go Version:", os.Getenv("GOVERSION"))
}

func main() {
	if conf.Version {
		printVersion()
		os.Exit(0)
	}
	log.DefaultLog("starting volmux version %s", util.DriverVersion)

	if err := util.ValidateURL(&conf); err != nil {
		log.FatalLogMsg("failed to validate metrics path: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	descriptors, err := backend.LoadDescriptors(conf.ConfigFile)
	if err != nil {
		log.FatalLogMsg("failed to load backend config: %v", err)
	}

	registry := backend.NewRegistry()
	if err = registry.Load(ctx, descriptors); err != nil {
		log.FatalLogMsg("failed to initialize backends: %v", err)
	}
	defer registry.Close()

	store, err := replication.NewFileStore(conf.SessionStore)
	if err != nil {
		log.FatalLogMsg("failed to open session store: %v", err)
	}
	tracker, err := replication.NewTracker(store, registry)
	if err != nil {
		log.FatalLogMsg("failed to restore replication sessions: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(registry, tracker, &conf)

	if conf.EnableProfiling {
		log.DefaultLog("starting profiling")
		util.EnableProfiling()
	}
	go util.StartMetricsServer(&conf)

	go pollCapacity(ctx, registry, dispatcher)
	go reloadOnSIGHUP(ctx, registry)

	<-ctx.Done()
	log.DefaultLog("shutting down")
}

// reloadOnSIGHUP re-reads the backend config and swaps the registry. A
// config that fails to load keeps the running backends untouched.
func reloadOnSIGHUP(ctx context.Context, registry *backend.Registry) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
		}

		log.DefaultLog("SIGHUP received, reloading backend config from %s", conf.ConfigFile)
		descriptors, err := backend.LoadDescriptors(conf.ConfigFile)
		if err != nil {
			log.ErrorLogMsg("config reload failed, keeping current backends: %v", err)

			continue
		}
		if err = registry.Load(ctx, descriptors); err != nil {
			log.ErrorLogMsg("backend reload failed, keeping current backends: %v", err)

			continue
		}
		log.DefaultLog("backend config reloaded, %d backends active", len(descriptors))
	}
}

// pollCapacity keeps the capacity cache warm and surfaces unreachable
// backends in the logs before an operation trips over them.
func pollCapacity(ctx context.Context, registry *backend.Registry, dispatcher *dispatch.Dispatcher) {
	ticker := time.NewTicker(conf.PollTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, name := range registry.Names() {
			if err := dispatcher.Ping(ctx, name); err != nil {
				log.WarningLogMsg("backend %s is unreachable: %v", name, err)

				continue
			}

			desc, err := registry.Descriptor(name)
			if err != nil {
				continue
			}
			for _, pool := range desc.Pools {
				capacity, err := dispatcher.GetCapacity(ctx, name, pool.Name)
				if err != nil {
					log.WarningLogMsg("capacity poll of %s/%s failed: %v", name, pool.Name, err)

					continue
				}
				log.ExtendedLogMsg("backend %s pool %s: %d/%d GiB free",
					name, pool.Name, capacity.FreeGiB, capacity.TotalGiB)
			}
		}
	}
}
