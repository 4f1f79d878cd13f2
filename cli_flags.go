// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/libtrack/btrace/config"
)

const (
	// Default values for CLI flags
	defaultArgCalls   = 1000
	defaultArgThreads = 4
	defaultArgJobs    = 4
)

// Help strings for command line arguments
var (
	aggressiveFlushHelp  = "Flush the trace log after every record."
	cacheStatsHelp       = "Write line cache statistics into the trace logs."
	callsHelp            = "Number of traced calls per thread (trace command)."
	compressionHelp      = "Compression of the trace logs: none, gzip or zstd."
	compressionLevelHelp = "Compression level, 0 selects the encoder default."
	configFileHelp       = "Path to a file with one \"flag value\" pair per line."
	demangleHelp         = "Demangle C++ symbol names."
	enableFileHelp       = "File holding the PID to trace as \"pid[:timing]\". " +
		"Tracing is off while it is missing. An empty value traces unconditionally."
	flatHelp          = "Capture stacks with the flat backtrace primitive."
	jobsHelp          = "Number of logs inspected concurrently (inspect command)."
	logDirHelp        = "Directory receiving the per-thread trace logs."
	managedHelp       = "Correlate native stacks with the managed runtime."
	maxThreadsHelp    = "Maximum number of threads holding trace state."
	rotateBackupsHelp = "Number of rotated trace logs to keep."
	rotateSizeHelp    = "Rotate uncompressed trace logs at this size in MB, 0 disables rotation."
	stackMemHelp      = "Write the stack usage of every traced call."
	threadsHelp       = "Number of traced threads (trace command)."
	verboseFramesHelp = "Write the registers of every native frame."
	verboseModeHelp   = "Enable verbose logging and debugging capabilities."
	versionHelp       = "Show version."
)

type arguments struct {
	config.Config

	calls       int
	flat        bool
	jobs        int
	threads     int
	verboseMode bool
	version     bool

	fs *flag.FlagSet
}

// dump visits all flags and logs them at debug level.
func (args *arguments) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

func parseArgs() (*arguments, error) {
	args := arguments{Config: config.Default()}

	fs := flag.NewFlagSet("btrace", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.AggressiveFlush, "aggressive-flush", false, aggressiveFlushHelp)

	fs.BoolVar(&args.CacheStats, "cache-stats", false, cacheStatsHelp)
	fs.IntVar(&args.calls, "calls", defaultArgCalls, callsHelp)
	fs.StringVar(&args.Compression, "compression", args.Compression, compressionHelp)
	fs.IntVar(&args.CompressionLevel, "compression-level", 0, compressionLevelHelp)
	fs.String("config", "", configFileHelp)

	fs.BoolVar(&args.Demangle, "demangle", false, demangleHelp)

	fs.StringVar(&args.EnableFile, "enable-file", args.EnableFile, enableFileHelp)

	fs.BoolVar(&args.flat, "flat", false, flatHelp)

	fs.IntVar(&args.jobs, "jobs", defaultArgJobs, jobsHelp)

	fs.StringVar(&args.LogDir, "log-dir", args.LogDir, logDirHelp)

	fs.BoolVar(&args.Managed, "managed", args.Managed, managedHelp)
	fs.IntVar(&args.MaxThreads, "max-threads", args.MaxThreads, maxThreadsHelp)

	fs.IntVar(&args.RotateBackups, "rotate-backups", 0, rotateBackupsHelp)
	fs.IntVar(&args.RotateSizeMB, "rotate-size", 0, rotateSizeHelp)

	fs.BoolVar(&args.StackMem, "stack-mem", args.StackMem, stackMemHelp)

	fs.IntVar(&args.threads, "threads", defaultArgThreads, threadsHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.VerboseFrames, "verbose-frames", false, verboseFramesHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: btrace [flags] trace\n"+
			"       btrace [flags] inspect <log>...\n\n")
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BTRACE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
