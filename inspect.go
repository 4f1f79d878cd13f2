// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/libtrack/btrace/tracelog"
)

// inspectFile summarizes one trace log.
func inspectFile(path string) (tracelog.Summary, error) {
	r, err := tracelog.Open(path)
	if err != nil {
		return tracelog.Summary{}, err
	}
	defer r.Close()

	sum, err := tracelog.Parse(r, nil)
	if err != nil {
		return sum, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return sum, nil
}

// runInspect summarizes the trace logs at paths, up to jobs at a time.
func runInspect(ctx context.Context, w io.Writer, paths []string, jobs int) error {
	sums := make([]tracelog.Summary, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := inspectFile(path)
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, path := range paths {
		writeSummary(w, path, &sums[i])
	}
	return nil
}

func writeSummary(w io.Writer, path string, sum *tracelog.Summary) {
	fmt.Fprintf(w, "%s:\n", path)
	if sum.ThreadName != "" {
		fmt.Fprintf(w, "  thread:       %s\n", sum.ThreadName)
	}
	fmt.Fprintf(w, "  records:      %d\n", sum.Records)
	fmt.Fprintf(w, "  calls:        %d (%d traces, %d unique stacks)\n",
		sum.Calls, sum.Traces, sum.Unique)
	if sum.NoStack > 0 {
		fmt.Fprintf(w, "  no stack:     %d\n", sum.NoStack)
	}
	if sum.Managed > 0 {
		fmt.Fprintf(w, "  managed:      %d\n", sum.Managed)
	}
	if sum.MaxStackMem > 0 {
		fmt.Fprintf(w, "  max stack:    %d bytes\n", sum.MaxStackMem)
	}
	if sum.Truncations > 0 || sum.Malformed > 0 {
		fmt.Fprintf(w, "  truncated:    %d, malformed: %d\n", sum.Truncations, sum.Malformed)
	}
	for _, sym := range slices.Sorted(maps.Keys(sum.Symbols)) {
		fmt.Fprintf(w, "  %-12s  %d\n", sym, sum.Symbols[sym])
	}
}
