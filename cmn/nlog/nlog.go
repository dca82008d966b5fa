// Package nlog is the execution substrate's logger: buffered, timestamped,
// leveled. A logger's buffer is flushed when it grows past maxLineSize or
// on an explicit Flush; there is no background flush. Adapted from
// the teacher's nlog package, trimmed of the object-storage daemon's log
// rotation/k8s-role machinery this substrate has no use for.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diaflow/diaflow/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

const maxLineSize = 2 * 1024

type nlogger struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	out     *os.File
	last    int64
	flushed int64
}

var (
	loggers      [3]*nlogger
	toStderr     = true
	alsoToStderr bool
	title        string
	runID        string
)

func init() {
	for i := range loggers {
		loggers[i] = &nlogger{out: os.Stderr}
	}
}

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

// SetOutput redirects every severity to w instead of stderr.
func SetOutput(w *os.File) {
	for i := range loggers {
		loggers[i].out = w
	}
	toStderr = false
}

func SetTitle(s string)  { title = s }
func SetRunID(s string)  { runID = s }

func log(sev severity, depth int, format string, args ...any) {
	var fb bytes.Buffer
	sprintf(sev, depth+1, format, &fb)
	formatArgs(&fb, format, args...)

	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.Write(fb.Bytes())
	}
	if toStderr {
		return
	}

	nl := loggers[sev]
	nl.mu.Lock()
	nl.buf.Write(fb.Bytes())
	nl.last = mono.NanoTime()
	shouldFlush := nl.buf.Len() > maxLineSize
	nl.mu.Unlock()
	if shouldFlush {
		nl.flush()
	}
	// errors and warnings are mirrored into the info stream, as in the teacher.
	if sev >= sevWarn {
		info := loggers[sevInfo]
		info.mu.Lock()
		info.buf.Write(fb.Bytes())
		info.mu.Unlock()
	}
}

func formatArgs(fb *bytes.Buffer, format string, args ...any) {
	if format == "" {
		fmt.Fprintln(fb, args...)
	} else {
		fmt.Fprintf(fb, format, args...)
		if fb.Len() == 0 || fb.Bytes()[fb.Len()-1] != '\n' {
			fb.WriteByte('\n')
		}
	}
}

func sprintf(sev severity, depth int, _ string, fb *bytes.Buffer) {
	_, fn, ln, ok := runtime.Caller(depth + 2)
	fb.WriteByte(sevChar[sev])
	fb.WriteByte(' ')
	fb.WriteString(time.Now().Format("15:04:05.000000"))
	fb.WriteByte(' ')
	if runID != "" {
		fb.WriteString(runID)
		fb.WriteByte(' ')
	}
	if ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		fb.WriteString(fn)
		fb.WriteByte(':')
		fb.WriteString(strconv.Itoa(ln))
		fb.WriteByte(' ')
	}
}

func (nl *nlogger) flush() {
	nl.mu.Lock()
	if nl.buf.Len() == 0 {
		nl.mu.Unlock()
		return
	}
	b := nl.buf.Bytes()
	out := nl.out
	nl.buf = bytes.Buffer{}
	nl.mu.Unlock()
	out.Write(b)
}

// Flush drains all severities; exit=true is used at process teardown.
func Flush(exit ...bool) {
	for _, nl := range loggers {
		nl.flush()
	}
	if len(exit) > 0 && exit[0] {
		if title != "" {
			os.Stderr.WriteString(title + "\n")
		}
	}
}
