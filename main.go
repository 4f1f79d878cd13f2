// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// btrace traces the calls of its own worker threads into per-thread logs and
// inspects such logs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/libtrack/btrace/metrics"
	"github.com/libtrack/btrace/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if err = args.Validate(); err != nil {
		return parseError("Invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer cancel()

	metrics.SetReporter(newMetricsLogger())
	defer metrics.Flush()

	log.Debugf("btrace %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	switch cmd := args.fs.Arg(0); cmd {
	case "trace":
		err = runTrace(ctx, args)
	case "inspect":
		if args.fs.NArg() < 2 {
			return parseError("No trace logs to inspect")
		}
		err = runInspect(ctx, os.Stdout, args.fs.Args()[1:], args.jobs)
	case "":
		args.fs.Usage()
		return exitParseError
	default:
		return parseError("Unknown command %q", cmd)
	}
	if err != nil {
		return failure("%v", err)
	}
	return exitSuccess
}

// metricsLogger logs every reported metrics batch at debug level.
type metricsLogger struct {
	names map[metrics.MetricID]string
}

func newMetricsLogger() metricsLogger {
	defs := metrics.GetDefinitions()
	names := make(map[metrics.MetricID]string, len(defs))
	for _, d := range defs {
		names[d.ID] = d.Field
	}
	return metricsLogger{names: names}
}

func (m metricsLogger) ReportMetrics(timestamp uint32, ids []uint32, values []int64) {
	for i, id := range ids {
		log.WithFields(log.Fields{
			"timestamp": timestamp,
			"metric":    m.names[metrics.MetricID(id)],
		}).Debugf("%d", values[i])
	}
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
