// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// RegistryDriver asks a registry service which workers have
// registered under the service tag. Parameters:
//
//	DriverParameters:
//	  URL: http://registry.example:18811
//	  Timeout: 10s
//	  RetryMax: 2
var RegistryDriver = DriverFunc(newRegistryDiscovery)

// RegistryPath is the path prefix of the registry service's API.
const RegistryPath = "/registry/v1/services/"

// ServiceList is the response body of a registry lookup.
type ServiceList struct {
	Items []Endpoint `json:"items"`
}

type registryConfig struct {
	URL      string
	Timeout  simcloud.Duration
	RetryMax *int
}

func newRegistryDiscovery(config json.RawMessage, logger logrus.FieldLogger) (Discovery, error) {
	var cfg registryConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("error decoding registry discovery parameters: %w", err)
		}
	}
	if cfg.URL == "" {
		return nil, errors.New("registry discovery: URL is required")
	}
	rc, err := NewRegistryClient(cfg.URL, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		rc.client.HTTPClient.Timeout = cfg.Timeout.Duration()
	}
	if cfg.RetryMax != nil {
		rc.client.RetryMax = *cfg.RetryMax
	}
	return rc, nil
}

// RegistryClient talks to a registry service. It is also used by
// workers to register themselves.
type RegistryClient struct {
	base   *url.URL
	client *retryablehttp.Client
	logger logrus.FieldLogger
}

// NewRegistryClient returns a client for the registry service at
// baseURL, e.g., "http://registry.example:18811".
func NewRegistryClient(baseURL string, logger logrus.FieldLogger) (*RegistryClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid registry URL %q: scheme must be http or https", baseURL)
	}
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = 10 * time.Second
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = leveledLogger{logger.WithField("Registry", baseURL)}
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &RegistryClient{
		base:   u,
		client: client,
		logger: logger,
	}, nil
}

// A 429 response is reported as a RateLimitError instead of being
// retried right away.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (rc *RegistryClient) serviceURL(tag string) string {
	u := *rc.base
	u.Path = strings.TrimSuffix(u.Path, "/") + RegistryPath + url.PathEscape(tag)
	return u.String()
}

// Workers implements Discovery.
func (rc *RegistryClient) Workers(ctx context.Context, serviceTag string) ([]Endpoint, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", rc.serviceURL(serviceTag), nil)
	if err != nil {
		return nil, err
	}
	var list ServiceList
	if err := rc.do(req, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Register announces ep under serviceTag. If ep.Address is empty,
// the registry uses the address the request comes from.
func (rc *RegistryClient) Register(ctx context.Context, serviceTag string, ep Endpoint) error {
	body, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "PUT", rc.serviceURL(serviceTag), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return rc.do(req, nil)
}

func (rc *RegistryClient) do(req *retryablehttp.Request, dst interface{}) error {
	resp, err := rc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &registryRateLimitError{
			error:      fmt.Errorf("%s %s: %s", req.Method, req.URL, resp.Status),
			firstRetry: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode != http.StatusOK {
		var errResp simcloud.ErrorResponse
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(buf, &errResp) == nil && len(errResp.Errors) > 0 {
			return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL, resp.Status, strings.Join(errResp.Errors, "; "))
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL, resp.Status)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%s %s: error decoding response: %w", req.Method, req.URL, err)
	}
	return nil
}

// Stop implements Discovery.
func (rc *RegistryClient) Stop() {
	rc.client.HTTPClient.CloseIdleConnections()
}

type registryRateLimitError struct {
	error
	firstRetry time.Time
}

func (e *registryRateLimitError) EarliestRetry() time.Time {
	return e.firstRetry
}

// retryAfter interprets a Retry-After header value, which is either
// an HTTP date or a number of seconds.
func retryAfter(ra string) time.Time {
	if t, err := http.ParseTime(ra); err == nil {
		return t
	}
	if sec, err := strconv.ParseInt(ra, 10, 64); err == nil {
		return time.Now().Add(time.Duration(sec) * time.Second)
	}
	// Couldn't make sense of retry-after, so set retry to 20
	// seconds
	return time.Now().Add(20 * time.Second)
}

// leveledLogger adapts a logrus.FieldLogger to
// retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(keysAndValues []interface{}) logrus.FieldLogger {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(f)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
