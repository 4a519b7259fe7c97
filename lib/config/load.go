// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

// defaultClusterID is the placeholder cluster ID used in
// config.default.yml.
const defaultClusterID = "xxxxx"

var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Logger logrus.FieldLogger

	// Config file to read. "-" means stdin.
	Path string

	// Skip validation (used by config-dump, which should be
	// able to show a broken config).
	SkipValidation bool

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to "-". Call
// SetupFlags to get the default config file path and accept a
// -config flag instead.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	ldr.Path = "-"
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/simcloud/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	path := simcloud.DefaultConfigFile
	if env := os.Getenv("SIMCLOUD_CONFIG"); env != "" {
		path = env
	}
	flagset.StringVar(&ldr.Path, "config", path, "Site configuration `file` (default may be overridden by setting a SIMCLOUD_CONFIG environment variable)")
}

// Load reads the config file (or stdin) and returns the resulting
// configuration, with defaults filled in.
func (ldr *Loader) Load() (*simcloud.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.loadBytes(buf)
}

func (ldr *Loader) loadBytes(buf []byte) (*simcloud.Config, error) {
	var cfg simcloud.Config
	err := yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	defaults, err := defaultCluster()
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	for id, cc := range cfg.Clusters {
		if id == defaultClusterID {
			return nil, fmt.Errorf("%q is reserved and cannot be used as a cluster ID", id)
		}
		err = mergo.Merge(&cc, defaults)
		if err != nil {
			return nil, fmt.Errorf("Clusters.%s: merging defaults: %w", id, err)
		}
		cfg.Clusters[id] = cc
	}

	err = ldr.logExtraKeys(buf)
	if err != nil {
		return nil, err
	}
	if !ldr.SkipValidation {
		for id, cc := range cfg.Clusters {
			err = checkCluster(id, &cc)
			if err != nil {
				return nil, err
			}
		}
	}
	return &cfg, nil
}

func defaultCluster() (simcloud.Cluster, error) {
	var cfg simcloud.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return simcloud.Cluster{}, err
	}
	return cfg.Clusters[defaultClusterID], nil
}

// logExtraKeys warns about keys that appear in the supplied config
// but not in the defaults, which usually means a typo.
func (ldr *Loader) logExtraKeys(buf []byte) error {
	if ldr.Logger == nil {
		return nil
	}
	var expected, supplied map[string]interface{}
	err := yaml.Unmarshal(DefaultYAML, &expected)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return err
	}
	clusters, _ := supplied["Clusters"].(map[string]interface{})
	tmpl := expected["Clusters"].(map[string]interface{})[defaultClusterID]
	var ids []string
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ldr.logExtraKeysRecurse("Clusters."+id, tmpl, clusters[id])
	}
	for k := range supplied {
		if k != "Clusters" {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
		}
	}
	return nil
}

func (ldr *Loader) logExtraKeysRecurse(prefix string, expected, supplied interface{}) {
	exp, ok := expected.(map[string]interface{})
	if !ok {
		return
	}
	sup, ok := supplied.(map[string]interface{})
	if !ok {
		return
	}
	var keys []string
	for k := range sup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := prefix + "." + k
		if strings.HasSuffix(path, ".DriverParameters") {
			// free-form, checked by the driver
			continue
		}
		if _, ok := exp[k]; !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s", path)
			continue
		}
		ldr.logExtraKeysRecurse(path, exp[k], sup[k])
	}
}

func checkCluster(id string, cc *simcloud.Cluster) error {
	prefix := "Clusters." + id + "."
	for key, pct := range map[string]float64{
		"Manager.MaxCPUPercent":    cc.Manager.MaxCPUPercent,
		"Manager.MaxMemoryPercent": cc.Manager.MaxMemoryPercent,
	} {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%s%s: must be greater than 0 and at most 100, got %v", prefix, key, pct)
		}
	}
	for key, d := range map[string]simcloud.Duration{
		"Manager.SimulationTimeout":  cc.Manager.SimulationTimeout,
		"Manager.PollInterval":       cc.Manager.PollInterval,
		"Manager.ProbeTimeout":       cc.Manager.ProbeTimeout,
		"Manager.ProbeRetryInterval": cc.Manager.ProbeRetryInterval,
		"Manager.ReprobeInterval":    cc.Manager.ReprobeInterval,
		"Worker.LoadSampleTime":      cc.Worker.LoadSampleTime,
		"Worker.RegisterInterval":    cc.Worker.RegisterInterval,
		"Registry.PruningTimeout":    cc.Registry.PruningTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s%s: must be a positive duration, got %s", prefix, key, d)
		}
	}
	if cc.Manager.InterruptGracePeriod < 0 {
		return fmt.Errorf("%sManager.InterruptGracePeriod: must not be negative, got %s", prefix, cc.Manager.InterruptGracePeriod)
	}
	if cc.Manager.ServiceTag == "" {
		return fmt.Errorf("%sManager.ServiceTag: must not be empty", prefix)
	}
	if cc.Discovery.Driver == "" {
		return fmt.Errorf("%sDiscovery.Driver: must not be empty", prefix)
	}
	switch cc.Worker.Simulator {
	case simcloud.SimulatorCommand, simcloud.SimulatorEcho:
	default:
		return fmt.Errorf("%sWorker.Simulator: unknown simulator %q", prefix, cc.Worker.Simulator)
	}
	if cc.Worker.MaxConcurrentJobs < 0 {
		return fmt.Errorf("%sWorker.MaxConcurrentJobs: must not be negative, got %d", prefix, cc.Worker.MaxConcurrentJobs)
	}
	return nil
}
