// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/cmdtest"
	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/test"
	"github.com/HBPNeurorobotics/mouse-locomotion/sdk/go/simcloud"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SimulateCommandSuite{})

type SimulateCommandSuite struct {
	disc     *test.StubDiscovery
	executor *test.StubExecutor
	cmd      *simulateCommand
	tmpdir   string
}

const simulateTestConfig = `
Clusters:
  zzzzz:
    ManagementToken: abcdefghijklmnop
    SystemLogs:
      LogLevel: debug
    Manager:
      PollInterval: 5ms
      InterruptGracePeriod: 100ms
    Discovery:
      Driver: static
`

func (s *SimulateCommandSuite) SetUpTest(c *check.C) {
	s.disc = &test.StubDiscovery{}
	s.executor = &test.StubExecutor{}
	s.tmpdir = c.MkDir()
	s.cmd = &simulateCommand{
		newManager: func(ctx context.Context, cluster *simcloud.Cluster, reg *prometheus.Registry) (*Manager, error) {
			return NewWithDiscovery(ctx, cluster, s.disc, s.executor, reg), nil
		},
	}
}

func (s *SimulateCommandSuite) writeBatch(c *check.C, n int) string {
	fnm := filepath.Join(s.tmpdir, "batch.json")
	buf, err := json.Marshal(batch(n))
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(fnm, buf, 0666), check.IsNil)
	return fnm
}

type resultJSON struct {
	Index  int             `json:"index"`
	Done   bool            `json:"done"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (s *SimulateCommandSuite) TestSimulateToStdout(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	ep := test.Endpoint(1)
	s.executor.SetWorker(ep, &test.StubWorker{Report: test.LoadReport(2)})
	s.disc.SetWorkers("SIMCLOUD", ep)

	var stdout, stderr bytes.Buffer
	code := s.cmd.RunCommand("simcloud simulate", []string{"--config=-", s.writeBatch(c, 4)}, strings.NewReader(simulateTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*batch finished.*`)
	var results []resultJSON
	c.Assert(json.Unmarshal(stdout.Bytes(), &results), check.IsNil)
	c.Assert(results, check.HasLen, 4)
	for i, res := range results {
		c.Check(res.Index, check.Equals, i)
		c.Check(res.Done, check.Equals, true)
		c.Check(test.Seed(res.Result), check.Equals, i)
	}
}

func (s *SimulateCommandSuite) TestSimulateToFile(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	ep := test.Endpoint(1)
	s.executor.SetWorker(ep, &test.StubWorker{Report: test.LoadReport(1)})
	s.disc.SetWorkers("SIMCLOUD", ep)

	out := filepath.Join(s.tmpdir, "results.json")
	var stdout, stderr bytes.Buffer
	code := s.cmd.RunCommand("simcloud simulate", []string{"--config=-", "-o", out, s.writeBatch(c, 2)}, strings.NewReader(simulateTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
	buf, err := os.ReadFile(out)
	c.Assert(err, check.IsNil)
	var results []resultJSON
	c.Assert(json.Unmarshal(buf, &results), check.IsNil)
	c.Check(results, check.HasLen, 2)
}

// With no workers, the timeout interrupts the batch and the
// command exits 1 after writing the unfinished results.
func (s *SimulateCommandSuite) TestTimeout(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := s.cmd.RunCommand("simcloud simulate", []string{"--config=-", "-t", "50ms", s.writeBatch(c, 3)}, strings.NewReader(simulateTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*some jobs did not finish.*`)
	var results []resultJSON
	c.Assert(json.Unmarshal(stdout.Bytes(), &results), check.IsNil)
	c.Assert(results, check.HasLen, 3)
	for _, res := range results {
		c.Check(res.Done, check.Equals, false)
		c.Check(string(res.Result), check.Equals, "null")
	}
}

func (s *SimulateCommandSuite) TestUsage(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := s.cmd.RunCommand("simcloud simulate", []string{"--config=-"}, strings.NewReader(simulateTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `Usage: simcloud simulate \[options\] batch.json\n`)

	stderr.Reset()
	code = s.cmd.RunCommand("simcloud simulate", []string{"--config=-", filepath.Join(s.tmpdir, "missing.json")}, strings.NewReader(simulateTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*missing.json: no such file or directory.*`)
}

func (s *SimulateCommandSuite) TestBadBatch(c *check.C) {
	fnm := filepath.Join(s.tmpdir, "batch.json")
	c.Assert(os.WriteFile(fnm, []byte(`{"seed":1}`), 0666), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := s.cmd.RunCommand("simcloud simulate", []string{"--config=-", fnm}, strings.NewReader(simulateTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*batch must be a JSON array.*`)
}

var _ = check.Suite(&ArchiveSuite{})

type ArchiveSuite struct {
	srv            *httptest.Server
	origNewSession func() (*session.Session, error)
}

func (s *ArchiveSuite) SetUpTest(c *check.C) {
	backend := s3mem.New()
	c.Assert(backend.CreateBucket("simcloud-results"), check.IsNil)
	s.srv = httptest.NewServer(gofakes3.New(backend).Server())
	s.origNewSession = newS3Session
	newS3Session = func() (*session.Session, error) {
		return session.NewSession(&aws.Config{
			Credentials:      credentials.NewStaticCredentials("AKIAEXAMPLE", "secretexample", ""),
			Endpoint:         aws.String(s.srv.URL),
			Region:           aws.String("us-east-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		})
	}
}

func (s *ArchiveSuite) TearDownTest(c *check.C) {
	newS3Session = s.origNewSession
	s.srv.Close()
}

func (s *ArchiveSuite) TestS3RoundTrip(c *check.C) {
	ctx := context.Background()
	err := writeResults(ctx, "s3://simcloud-results/run1/batch.json", []byte(`[{"seed":0},{"seed":1}]`), nil)
	c.Assert(err, check.IsNil)
	got, err := readBatch(ctx, "s3://simcloud-results/run1/batch.json", nil)
	c.Assert(err, check.IsNil)
	c.Assert(got, check.HasLen, 2)
	c.Check(test.Seed(got[1]), check.Equals, 1)

	_, err = readBatch(ctx, "s3://simcloud-results/run1/missing.json", nil)
	c.Check(err, check.ErrorMatches, `downloading s3://simcloud-results/run1/missing.json: .*`)
}

func (s *ArchiveSuite) TestParseS3URL(c *check.C) {
	loc, ok, err := parseS3URL("s3://bucket/dir/key.json")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(loc, check.Equals, s3Location{Bucket: "bucket", Key: "dir/key.json"})

	_, ok, err = parseS3URL("/tmp/results.json")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	_, ok, err = parseS3URL("s3://bucket")
	c.Check(ok, check.Equals, true)
	c.Check(err, check.ErrorMatches, `invalid S3 location "s3://bucket": need s3://bucket/key`)
}

func (s *ArchiveSuite) TestStdinStdout(c *check.C) {
	got, err := readBatch(context.Background(), "-", strings.NewReader(`[1,2,3]`))
	c.Check(err, check.IsNil)
	c.Check(got, check.HasLen, 3)

	var buf bytes.Buffer
	c.Check(writeResults(context.Background(), "-", []byte("[]\n"), &buf), check.IsNil)
	c.Check(buf.String(), check.Equals, "[]\n")
}
