// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package simcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// s3Location is a parsed s3://bucket/key URL.
type s3Location struct {
	Bucket string
	Key    string
}

func parseS3URL(s string) (s3Location, bool, error) {
	if !strings.HasPrefix(s, "s3://") {
		return s3Location{}, false, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return s3Location{}, true, err
	}
	loc := s3Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if loc.Bucket == "" || loc.Key == "" {
		return s3Location{}, true, fmt.Errorf("invalid S3 location %q: need s3://bucket/key", s)
	}
	return loc, true, nil
}

// Overridden in tests.
var newS3Session = func() (*session.Session, error) {
	return session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
}

// readBatch reads a JSON array of job payloads from a local file, an
// S3 object, or stdin ("-").
func readBatch(ctx context.Context, src string, stdin io.Reader) ([]json.RawMessage, error) {
	var buf []byte
	loc, isS3, err := parseS3URL(src)
	if err != nil {
		return nil, err
	}
	switch {
	case isS3:
		sess, err := newS3Session()
		if err != nil {
			return nil, err
		}
		wab := aws.NewWriteAtBuffer(nil)
		_, err = s3manager.NewDownloader(sess).DownloadWithContext(ctx, wab, &s3.GetObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
		})
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", src, err)
		}
		buf = wab.Bytes()
	case src == "-":
		buf, err = io.ReadAll(stdin)
	default:
		buf, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, err
	}
	var batch []json.RawMessage
	err = json.Unmarshal(buf, &batch)
	if err != nil {
		return nil, fmt.Errorf("%s: batch must be a JSON array: %w", src, err)
	}
	return batch, nil
}

// writeResults writes buf to a local file, an S3 object, or stdout
// ("-" or "").
func writeResults(ctx context.Context, dst string, buf []byte, stdout io.Writer) error {
	loc, isS3, err := parseS3URL(dst)
	if err != nil {
		return err
	}
	switch {
	case isS3:
		sess, err := newS3Session()
		if err != nil {
			return err
		}
		_, err = s3manager.NewUploader(sess).UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(loc.Bucket),
			Key:         aws.String(loc.Key),
			Body:        bytes.NewReader(buf),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", dst, err)
		}
		return nil
	case dst == "-" || dst == "":
		_, err = stdout.Write(buf)
		return err
	default:
		return os.WriteFile(dst, buf, 0666)
	}
}
