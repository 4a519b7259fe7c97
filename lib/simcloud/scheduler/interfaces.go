// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"encoding/json"

	"github.com/HBPNeurorobotics/mouse-locomotion/lib/simcloud/worker"
)

// A WorkerPool tracks worker capacity. Implemented by worker.Pool
// and test stubs.
type WorkerPool interface {
	Reconcile(probePayload json.RawMessage, wantProbes bool)
	Acquire() (worker.Descriptor, bool)
	Release(worker.WorkerID) bool
	MarkUnavailable(id worker.WorkerID, requeued int)
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}
