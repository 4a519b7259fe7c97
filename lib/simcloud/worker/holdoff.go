// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/discovery"
	"github.com/sirupsen/logrus"
)

// holdoff suspends discovery calls after the discovery backend asks
// us to slow down.
type holdoff struct {
	mtx   sync.Mutex
	err   error
	until time.Time
	now   func() time.Time
}

func (h *holdoff) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// Observe inspects the error returned by a discovery call. If it is
// a discovery.RateLimitError with a retry time in the future, Err
// reports an error until then.
func (h *holdoff) Observe(err error, logger logrus.FieldLogger) {
	var rle discovery.RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	now := h.clock()
	until := rle.EarliestRetry()
	if !until.After(now) {
		return
	}
	logger.WithFields(logrus.Fields{
		"Duration": until.Sub(now),
		"ResumeAt": until,
	}).Info("discovery rate limited, suspending calls")
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.err = fmt.Errorf("discovery calls suspended until %s: %w", until.Format(time.RFC3339), err)
	h.until = until
}

// Err returns a non-nil error while calls are suspended.
func (h *holdoff) Err() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.err != nil && !h.clock().Before(h.until) {
		h.err = nil
	}
	return h.err
}
