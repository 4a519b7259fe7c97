// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"encoding/json"
	"sync"
)

// ResponseTable has one slot per job in the batch. Each slot starts
// out empty (the zero Result) and can be filled exactly once.
type ResponseTable struct {
	mtx     sync.Mutex
	results []Result
	filled  int
	done    chan struct{}
}

// NewResponseTable returns a table with size empty slots.
func NewResponseTable(size int) *ResponseTable {
	rt := &ResponseTable{}
	rt.Reset(size)
	return rt
}

// Reset discards all results and resizes the table.
func (rt *ResponseTable) Reset(size int) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	rt.results = make([]Result, size)
	for i := range rt.results {
		rt.results[i].Index = i
	}
	rt.filled = 0
	rt.done = make(chan struct{})
	if size == 0 {
		close(rt.done)
	}
}

// Set fills slot idx. It returns false (and changes nothing) if idx
// is out of range or the slot is already filled.
func (rt *ResponseTable) Set(idx int, value json.RawMessage, err error) bool {
	return rt.Fill(idx, value, err, nil)
}

// Fill is like Set, but also calls notify (if not nil) with the new
// result. If this fills the last slot, Done is closed after notify
// returns.
func (rt *ResponseTable) Fill(idx int, value json.RawMessage, err error, notify func(Result)) bool {
	rt.mtx.Lock()
	if idx < 0 || idx >= len(rt.results) || rt.results[idx].Done {
		rt.mtx.Unlock()
		return false
	}
	res := Result{Index: idx, Done: true, Err: err}
	if err == nil {
		res.Value = value
	}
	rt.results[idx] = res
	rt.filled++
	var done chan struct{}
	if rt.filled == len(rt.results) {
		done = rt.done
	}
	rt.mtx.Unlock()
	if notify != nil {
		notify(res)
	}
	if done != nil {
		close(done)
	}
	return true
}

// Get returns the current content of slot idx.
func (rt *ResponseTable) Get(idx int) (Result, bool) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	if idx < 0 || idx >= len(rt.results) {
		return Result{}, false
	}
	return rt.results[idx], true
}

// Done returns a channel that is closed when every slot has been
// filled. The channel is replaced by Reset.
func (rt *ResponseTable) Done() <-chan struct{} {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	return rt.done
}

// Results returns a copy of all slots, in batch order.
func (rt *ResponseTable) Results() []Result {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	return append([]Result(nil), rt.results...)
}

// Filled returns the number of filled slots.
func (rt *ResponseTable) Filled() int {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	return rt.filled
}

// Len returns the number of slots.
func (rt *ResponseTable) Len() int {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	return len(rt.results)
}

// MarshalJSON implements json.Marshaler. An empty slot looks like
// {"index":3,"done":false,"result":null}.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Index  int             `json:"index"`
		Done   bool            `json:"done"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error,omitempty"`
	}{Index: r.Index, Done: r.Done, Result: r.Value}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
