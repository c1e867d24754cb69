package cli

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/g960059/devicebench/internal/state"
)

const sessionUsage = "usage: devicebench session  (stdin: one of reserve|release|alert-test|metrics|run-test|wait|status per line)"

// runSession probes once and then dispatches one action per input line without
// waiting for the previous one, the way clicks reach a loaded page.
func (r *Runner) runSession(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil || fs.NArg() > 0 {
		_, _ = fmt.Fprintln(r.errOut, sessionUsage)
		return 2
	}
	defer env.close()
	c, err := r.openConsole(ctx, env)
	if err != nil {
		return r.handleErr(err)
	}
	defer c.Close() //nolint:errcheck

	_, _ = fmt.Fprintln(r.out, c.Snapshot().Output)
	if c.Snapshot().Status != state.StatusConnected {
		return 1
	}

	failed := false
	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch line {
		case "wait":
			if err := c.Wait(); err != nil {
				_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
				failed = true
			}
			_, _ = fmt.Fprintln(r.out, c.Snapshot().Output)
			continue
		case "status":
			r.printStatus(c.Snapshot())
			continue
		}
		action, ok := commandActions[line]
		if !ok {
			action = line
		}
		c.Dispatch(ctx, action)
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: read session input: %v\n", err)
		failed = true
	}
	if err := c.Wait(); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		failed = true
	}
	_, _ = fmt.Fprintln(r.out, c.Snapshot().Output)
	if failed {
		return 1
	}
	return 0
}

func (r *Runner) printStatus(snap state.Snapshot) {
	busy := make([]string, 0, len(snap.Busy))
	for name, on := range snap.Busy {
		if on {
			busy = append(busy, name)
		}
	}
	sort.Strings(busy)
	if len(busy) == 0 {
		busy = append(busy, "none")
	}
	_, _ = fmt.Fprintf(r.out, "status: %s busy: %s phase: %s\n", snap.Status, strings.Join(busy, ","), snap.TestPhase)
}
