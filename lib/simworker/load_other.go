// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

//go:build !linux

package simworker

import "errors"

func newLoadSampler() (loadSampler, error) {
	return nil, errors.New("load sampling is only supported on linux")
}
