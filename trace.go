// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/libtrack/btrace/backtrace"
	"github.com/libtrack/btrace/config"
	"github.com/libtrack/btrace/managed"
	"github.com/libtrack/btrace/metrics"
	"github.com/libtrack/btrace/sink"
	"github.com/libtrack/btrace/symbolizer"
	"github.com/libtrack/btrace/unwind"
)

// Frames between the primitive and the caller of Registry.Trace. The walker
// visitor drops FramesToSkip more on its own.
const (
	walkerSkip = 4
	flatSkip   = 6
)

// metricsInterval is the period at which metrics are reported while tracing.
const metricsInterval = time.Second

// newTracer assembles a tracer for the calling Go process.
func newTracer(cfg *config.Config, flat bool, bridge *managed.Bridge) (*backtrace.Tracer, error) {
	opts, err := cfg.SinkOptions()
	if err != nil {
		return nil, err
	}

	var sym symbolizer.Symbolizer = symbolizer.NewRuntime()
	if cfg.Demangle {
		sym = symbolizer.Demangling(sym)
	}

	u := &unwind.Unwinder{Verbose: cfg.VerboseFrames}
	if flat {
		u.Backtracer = unwind.RuntimeBacktracer{Skip: flatSkip}
	} else {
		u.Walker = unwind.RuntimeWalker{Skip: walkerSkip}
	}

	return backtrace.New(backtrace.Options{
		Unwinder:        u,
		Symbolizer:      sym,
		Bridge:          bridge,
		Open:            sink.NewFactory(cfg.LogDir, opts),
		StackMem:        cfg.StackMem,
		CacheStats:      cfg.CacheStats,
		AggressiveFlush: cfg.AggressiveFlush,
	})
}

// runTrace traces calls made by a number of locked worker threads.
func runTrace(ctx context.Context, args *arguments) error {
	pid := os.Getpid()
	if args.EnableFile != "" && !config.ShouldTrace(args.EnableFile, pid) {
		return fmt.Errorf("tracing is not enabled for process %d, write its PID "+
			"or -1 to %s", pid, args.EnableFile)
	}

	var bridge managed.Bridge
	if args.Managed {
		// Go processes host no managed runtime of their own.
		backtrace.MustInitBridge(&bridge, nil, nil)
	}

	tr, err := newTracer(&args.Config, args.flat, &bridge)
	if err != nil {
		return err
	}
	reg, err := backtrace.NewRegistry(tr, uint32(args.MaxThreads))
	if err != nil {
		return err
	}
	defer reg.Close()
	defer metrics.Start(ctx, metricsInterval)()

	g, ctx := errgroup.WithContext(ctx)
	for range args.threads {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			tid := backtrace.CurrentThreadID()
			defer reg.Release(tid)
			for n := range args.calls {
				if err := ctx.Err(); err != nil {
					return err
				}
				workload(reg, tid, n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("Traced %d calls on %d threads into %s",
		args.calls*args.threads, args.threads, args.LogDir)
	return nil
}

// workload issues runs of identical calls, broken up by a different call
// every eighth iteration.
//
//go:noinline
func workload(reg *backtrace.Registry, tid, n int) {
	if n%8 == 7 {
		writeRecord(reg, tid, n)
		return
	}
	readRecord(reg, tid)
}

//go:noinline
func readRecord(reg *backtrace.Registry, tid int) {
	reg.Trace(tid, backtrace.Call{Symbol: "read"})
}

//go:noinline
func writeRecord(reg *backtrace.Registry, tid, n int) {
	reg.Trace(tid, backtrace.Call{Symbol: "write", Args: []uintptr{uintptr(n)}})
}
