// Copyright (C) The Cytodiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cytodiff

import (
	"sync"
	"sync/atomic"
)

// throttle bounds the number of concurrent per-feature fits. The first
// reported error wins; Wait returns it after all workers finish.
type throttle struct {
	ch        chan bool
	wg        sync.WaitGroup
	err       atomic.Value
	errorOnce sync.Once
}

func newThrottle(max int) *throttle {
	return &throttle{ch: make(chan bool, max)}
}

// Go runs f on its own goroutine, blocking while the pool is full.
func (t *throttle) Go(f func() error) {
	t.wg.Add(1)
	t.ch <- true
	go func() {
		defer func() {
			<-t.ch
			t.wg.Done()
		}()
		t.Report(f())
	}()
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
