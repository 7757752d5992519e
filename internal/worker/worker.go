// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides the halt-channel goroutine lifecycle embedded by
// every long-running component in this repository (relay clients, the
// subscription sweeper, the sequence controllers' dispatch loops).
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines
// which must all be stopped, and waited upon, as a unit.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup

	initOnce sync.Once
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go starts fn in a new goroutine tracked by this Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes the halt channel, signalling every goroutine started with Go
// to return, and blocks until they have all done so. Halt is safe to call
// more than once; only the first call has effect.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.wg.Wait()
}
