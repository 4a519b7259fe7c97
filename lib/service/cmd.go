// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service runs a simcloud HTTP service (worker, registry) as
// a command line program.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cmd"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/config"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/health"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/httpserver"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Handler is the service-specific part of a running service.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// ListenerWrapper is implemented by handlers that need to wrap the
// listening socket, e.g., to limit concurrent connections.
type ListenerWrapper interface {
	WrapListener(net.Listener) net.Listener
}

type NewHandlerFunc func(_ context.Context, _ *simcloud.Cluster, token string, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    simcloud.ServiceName
	ctx        context.Context // tests replace this to stop the service
}

// Command returns a cmd.Handler that loads the cluster config, calls
// newHandler, and serves the returned handler on the service's
// configured Listen address until ctx is done or the handler
// reports Done.
//
// Requests pass through request ID, logging and metrics middleware.
// GET /metrics and GET /_health/ping are answered without reaching
// the handler.
func Command(svcName simcloud.ServiceName, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	bootLogger := ctxlog.New(stderr, "json", "info")
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, bootLogger)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}
	if *pprofAddr != "" {
		go func() {
			bootLogger.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cluster, err := loadCluster(loader)
	if err != nil {
		bootLogger.WithError(err).Error("exiting")
		return 1
	}
	log := ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	if err := c.serve(ctxlog.Context(c.ctx, logger), cluster, log); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

func loadCluster(loader *config.Loader) (*simcloud.Cluster, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return cfg.GetCluster("")
}

// serve runs the service until ctx is done or the handler stops.
func (c *command) serve(ctx context.Context, cluster *simcloud.Cluster, log *logrus.Logger) error {
	logger := ctxlog.FromContext(ctx)
	listenAddr, err := getListenAddr(cluster.Services, c.svcName)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, contextKeyListenAddr{}, listenAddr)

	reg := prometheus.NewRegistry()
	handler := c.newHandler(ctx, cluster, cluster.ManagementToken, reg)
	if err := handler.CheckHealth(); err != nil {
		return err
	}
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     wrapHandler(cluster.ManagementToken, reg, log, logger, handler),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listenAddr,
	}
	if lw, ok := handler.(ListenerWrapper); ok {
		srv.WrapListener = lw.WrapListener
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-handler.Done():
		case <-stopped:
			return
		}
		srv.Close()
	}()
	return srv.Wait()
}

// wrapHandler adds the middleware stack and the built-in routes
// around handler.
func wrapHandler(token string, reg *prometheus.Registry, log *logrus.Logger, logger logrus.FieldLogger, handler Handler) http.Handler {
	router := httprouter.New()
	router.Handler("GET", "/_health/ping", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": handler.CheckHealth},
	})
	router.NotFound = handler
	router.HandleMethodNotAllowed = false
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false

	instrumented := httpserver.Instrument(reg, log,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(logger, router)))
	return instrumented.ServeAPI(token, instrumented)
}

func getListenAddr(svcs simcloud.Services, prog simcloud.ServiceName) (string, error) {
	svc, ok := svcs.Map()[prog]
	if !ok {
		return "", fmt.Errorf("unknown service name %q", prog)
	}
	if want := os.Getenv("SIMCLOUD_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	if svc.Listen == "" {
		return "", fmt.Errorf("configuration does not enable the %q service on this host (Services.%s.Listen is empty)", prog, prog)
	}
	return svc.Listen, nil
}

type contextKeyListenAddr struct{}

// ListenAddrFromContext returns the configured listen address of the
// service running in ctx.
func ListenAddrFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(contextKeyListenAddr{}).(string)
	return addr, ok
}
