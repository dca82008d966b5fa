//go:build debug

// Package debug provides build-tag gated assertions: a no-op build for
// production and a checking build (tag "debug") for tests and development.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
	"sync"
)

func ON() bool { return true }

func Infof(format string, a ...any) { fmt.Fprintf(os.Stderr, "[debug] "+format+"\n", a...) }

// Func runs f only in debug builds — used to guard assertion code whose
// cost (e.g. reflect.ValueOf) isn't acceptable outside of debug.
func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		panic(fmt.Sprint("assertion failed: ", fmt.Sprint(a...)))
	}
}

func AssertFunc(cond func() bool, a ...any) {
	if !cond() {
		panic(fmt.Sprint("assertion failed: ", fmt.Sprint(a...)))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic("unexpected error: " + err.Error())
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, a...))
	}
}

// AssertMutexLocked and friends are best-effort: sync.Mutex/RWMutex expose
// no portable "is locked" query, so these only catch the case where the
// call site forgot to hold the lock long enough for a concurrent TryLock
// to observe it. Kept as documentation of intent at call sites.
func AssertMutexLocked(m *sync.Mutex) {
	if m.TryLock() {
		m.Unlock()
		panic("mutex not locked")
	}
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	if m.TryLock() {
		m.Unlock()
		panic("rwmutex not locked")
	}
}

func AssertRWMutexRLocked(m *sync.RWMutex) {
	if m.TryRLock() {
		m.RUnlock()
	}
}
