// Copyright (C) 2019 The Gconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/gconnect/gconnect/lib/config"
	"github.com/gconnect/gconnect/lib/connections"
	"github.com/gconnect/gconnect/lib/events"
	"github.com/gconnect/gconnect/lib/logger"
	"github.com/gconnect/gconnect/lib/model"
	"github.com/gconnect/gconnect/lib/protocol"
	"github.com/gconnect/gconnect/lib/rand"
	"github.com/gconnect/gconnect/lib/svcutil"
	"github.com/gconnect/gconnect/lib/tlsutil"
)

var l = logger.DefaultLogger.NewFacility("main", "Main package")

type cli struct {
	Home             string        `help:"Directory for the certificate and device identity." default:"~/.config/gconnect" type:"path"`
	DeviceName       string        `help:"Announced device name. Defaults to the hostname."`
	DeviceType       string        `help:"Announced device type." default:"desktop" enum:"desktop,laptop,phone,tablet,tv"`
	NotDiscoverable  bool          `help:"Refuse identities from peers we have not announced to directly."`
	AnnounceInterval time.Duration `help:"Re-broadcast our identity at this interval. Zero disables re-announcement." default:"30s"`
	Connect          []string      `help:"Announce directly to this address on startup, granting it admission." placeholder:"HOST[:PORT]"`
	MetricsAddress   string        `help:"Serve Prometheus metrics on this address." placeholder:"ADDR:PORT"`
	Verbose          bool          `help:"Print events as they happen."`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Name("gconnect"),
		kong.Description("LAN device discovery and channel establishment."),
		kong.UsageOnError(),
	)
	os.Exit(run(params))
}

func run(params cli) int {
	if err := os.MkdirAll(params.Home, 0o700); err != nil {
		l.Warnln("Creating home directory:", err)
		return int(svcutil.ExitError)
	}

	deviceID, err := loadOrCreateDeviceID(filepath.Join(params.Home, "device-id"))
	if err != nil {
		l.Warnln("Device ID:", err)
		return int(svcutil.ExitError)
	}

	cert, err := tlsutil.LoadOrGenerate(
		filepath.Join(params.Home, "cert.pem"),
		filepath.Join(params.Home, "key.pem"),
		deviceID,
	)
	if err != nil {
		l.Warnln("Certificate:", err)
		return int(svcutil.ExitError)
	}

	deviceName := params.DeviceName
	if deviceName == "" {
		deviceName, _ = os.Hostname()
	}

	cfg := config.Wrap(config.Configuration{
		DeviceID:     deviceID,
		DeviceName:   deviceName,
		DeviceType:   params.DeviceType,
		Discoverable: !params.NotDiscoverable,
	})

	evLogger := events.NewLogger()
	evLogger.Log(events.Starting, map[string]string{"home": params.Home, "device": deviceID})
	m := model.NewModel(evLogger)

	svc, err := connections.NewService(cfg, m, cert, evLogger)
	if err != nil {
		l.Warnln("Starting connection service:", err)
		return int(svcutil.ExitError)
	}
	if port := svc.ListenPort(); port > 0 {
		l.Infof("Device %s (%q) ready, control channel on port %d", deviceID, deviceName, port)
	} else {
		l.Infof("Device %s (%q) ready, discovery only", deviceID, deviceName)
	}

	mainService := suture.New("main", svcutil.SpecWithInfoLogger(l))
	mainService.Add(svc)
	mainService.Add(svcutil.AsService(func(ctx context.Context) error {
		return announce(ctx, svc, params.Connect, params.AnnounceInterval)
	}, "main/announcer"))
	if params.Verbose {
		mainService.Add(svcutil.AsService(func(ctx context.Context) error {
			return printEvents(ctx, evLogger)
		}, "main/events"))
	}
	if params.MetricsAddress != "" {
		mainService.Add(svcutil.AsService(func(ctx context.Context) error {
			return serveMetrics(ctx, params.MetricsAddress)
		}, "main/metrics"))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	evLogger.Log(events.StartupComplete, map[string]string{"device": deviceID})
	err = mainService.Serve(ctx)

	var fatal *svcutil.FatalErr
	if errors.As(err, &fatal) {
		l.Warnln("Fatal:", fatal)
		return fatal.Status.AsInt()
	}
	return int(svcutil.ExitSuccess)
}

// loadOrCreateDeviceID keeps the device ID stable across runs. Peers key
// their device registry on it, so regenerating it every start would make us
// a new device each time.
func loadOrCreateDeviceID(path string) (string, error) {
	if bs, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(bs))
		if err := protocol.CheckDeviceID(id); err != nil {
			return "", err
		}
		return id, nil
	}
	id := rand.String(32)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

// announce broadcasts our identity on startup and then periodically.
// Targeted addresses are announced to first so their replies are admitted
// even when we are not discoverable.
func announce(ctx context.Context, svc connections.Service, targets []string, interval time.Duration) error {
	for _, addr := range targets {
		if err := svc.Broadcast(addr); err != nil {
			l.Warnf("Announcing to %s: %v", addr, err)
		}
	}
	if err := svc.Broadcast(""); err != nil {
		l.Infoln("Announcing:", err)
	}

	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := svc.Broadcast(""); err != nil {
				l.Infoln("Announcing:", err)
			}
		}
	}
}

func printEvents(ctx context.Context, evLogger *events.Logger) error {
	sub := evLogger.Subscribe(events.AllEvents)
	defer evLogger.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C():
			l.Infof("Event %s: %v", ev.Type, ev.Data)
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}
