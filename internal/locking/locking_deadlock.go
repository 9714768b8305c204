// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build deadlock
// +build deadlock

package locking

import (
	"fmt"
	"sync"
	"time"
)

const lockTimeout = 10 * time.Second

// Mutex panics if Lock does not succeed within lockTimeout, instead of
// blocking forever. Only built with -tags deadlock; in that build it is
// the Mutex every locking.Mutex user in the engine gets, including the
// per-span commit path.
type Mutex struct{ mu sync.Mutex }

func (m *Mutex) Lock() {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(lockTimeout):
		panic(fmt.Sprintf("locking: Mutex.Lock did not acquire within %s, possible deadlock", lockTimeout))
	}
}

func (m *Mutex) Unlock() { m.mu.Unlock() }

// RWMutex is the read/write counterpart of Mutex.
type RWMutex struct{ mu sync.RWMutex }

func (m *RWMutex) Lock() {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(lockTimeout):
		panic(fmt.Sprintf("locking: RWMutex.Lock did not acquire within %s, possible deadlock", lockTimeout))
	}
}

func (m *RWMutex) Unlock() { m.mu.Unlock() }

func (m *RWMutex) RLock() {
	done := make(chan struct{})
	go func() {
		m.mu.RLock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(lockTimeout):
		panic(fmt.Sprintf("locking: RWMutex.RLock did not acquire within %s, possible deadlock", lockTimeout))
	}
}

func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// RLocker returns a Locker interface that calls RLock/RUnlock.
func (m *RWMutex) RLocker() sync.Locker { return (*rlocker)(m) }

type rlocker RWMutex

func (r *rlocker) Lock()   { (*RWMutex)(r).RLock() }
func (r *rlocker) Unlock() { (*RWMutex)(r).RUnlock() }
