// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background go routines for the
// transfer engines and the index service: halt signalling, halt-scoped
// contexts for transport calls, and periodic maintenance tasks.
package worker

import (
	"context"
	"sync"
	"time"
)

// Worker is a set of background go routines sharing one termination
// signal. Engines embed it; their loops either select on HaltCh or take
// a context from HaltContext.
type Worker struct {
	sync.WaitGroup
	once   sync.Once
	haltCh chan struct{}
}

func (w *Worker) channel() chan struct{} {
	w.once.Do(func() {
		w.haltCh = make(chan struct{})
	})
	return w.haltCh
}

// Go runs fn in a new go routine tracked by the Worker. fn must return
// once HaltCh closes.
func (w *Worker) Go(fn func()) {
	w.channel()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Periodic runs fn every interval under the Worker until Halt. The
// seeder's republish loop and the index purge worker run this way.
func (w *Worker) Periodic(interval time.Duration, fn func()) {
	w.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.channel():
				return
			case <-ticker.C:
				fn()
			}
		}
	})
}

// HaltContext returns a context cancelled when the Worker halts. It is
// the bridge between the halt signal and context-based suspension
// points such as transport receives.
func (w *Worker) HaltContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	w.Go(func() {
		defer cancel()
		<-w.channel()
	})
	return ctx
}

// Halt signals every go routine started under the Worker to terminate
// and waits until they have all returned.
func (w *Worker) Halt() {
	close(w.channel())
	w.Wait()
}

// HaltCh returns the channel closed on Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	return w.channel()
}
