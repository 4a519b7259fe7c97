// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cmd"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/config"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/ctxlog"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/ghodss/yaml"
)

var (
	// Get shows the workers known to a running manager, or the
	// progress of its current batch.
	Get cmd.Handler = cmd.HandlerFunc(get)

	// Interrupt interrupts a running manager's current batch.
	Interrupt cmd.Handler = cmd.HandlerFunc(interrupt)
)

var getTargets = map[string]string{
	"workers": "/simcloud/v1/workers",
	"jobs":    "/simcloud/v1/jobs",
}

func get(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ManageFlagSet()
	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags.FlagSet)
	if ok, code := cmd.ParseFlags(flags, prog, args, "workers|jobs", stderr); !ok {
		return code
	}
	if flags.NArg() != 1 {
		err = fmt.Errorf("usage: %s [options] workers|jobs", prog)
		return 2
	}
	path, ok := getTargets[flags.Arg(0)]
	if !ok {
		err = fmt.Errorf("unknown object type %q (try workers or jobs)", flags.Arg(0))
		return 2
	}
	mc, err := newManageClient(loader, values)
	if err != nil {
		return 1
	}
	var obj interface{}
	err = mc.request("GET", path, &obj)
	if err != nil {
		return 1
	}
	switch values.Format {
	case "yaml":
		var buf []byte
		buf, err = yaml.Marshal(obj)
		if err == nil {
			_, err = stdout.Write(buf)
		}
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(obj)
	default:
		err = fmt.Errorf("unknown output format %q", values.Format)
		return 2
	}
	if err != nil {
		err = fmt.Errorf("encoding: %w", err)
		return 1
	}
	return 0
}

func interrupt(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ManageFlagSet()
	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags.FlagSet)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	mc, err := newManageClient(loader, values)
	if err != nil {
		return 1
	}
	err = mc.request("POST", "/simcloud/v1/interrupt", nil)
	if err != nil {
		return 1
	}
	return 0
}

type manageClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newManageClient(loader *config.Loader, values *ManageFlagValues) (*manageClient, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return nil, err
	}
	if cluster.ManagementToken == "" {
		return nil, errors.New("ManagementToken is not configured")
	}
	baseURL := values.URL
	if baseURL == "" {
		baseURL, err = managerURL(cluster.Services.Manager)
		if err != nil {
			return nil, err
		}
	}
	return &manageClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   cluster.ManagementToken,
		client:  &http.Client{Timeout: time.Minute},
	}, nil
}

// managerURL returns a URL for the manager's configured listening
// address. An unspecified host means localhost.
func managerURL(svc simcloud.Service) (string, error) {
	if svc.Listen == "" {
		return "", errors.New("Services.Manager.Listen is not configured (use -url)")
	}
	host, port, err := net.SplitHostPort(svc.Listen)
	if err != nil {
		return "", fmt.Errorf("Services.Manager.Listen: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func (mc *manageClient) request(method, path string, dst interface{}) error {
	req, err := http.NewRequest(method, mc.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+mc.token)
	resp, err := mc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if dst == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(dst)
	if err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}
