// Package diagnostics inspects the host for processes involved in a halt.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Holder is a process with the lock file open. Having it open is not the same
// as holding the halt: replication itself keeps the file open.
type Holder struct {
	PID       int32
	Name      string
	Cmdline   string
	Username  string
	FD        uint64
	StartedAt time.Time
	Self      bool
}

// Holders lists processes that have path open. Processes whose descriptor
// table cannot be read (typically other users' processes without privileges)
// are skipped and counted in skipped.
func Holders(ctx context.Context, path string) (holders []Holder, skipped int, err error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, 0, fmt.Errorf("diagnostics: resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("diagnostics: resolve %s: %w", path, err)
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("diagnostics: list processes: %w", err)
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return holders, skipped, err
		}
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			skipped++
			continue
		}
		for _, f := range files {
			if filepath.Clean(f.Path) != target {
				continue
			}
			holders = append(holders, describe(ctx, p, f.Fd, p.Pid == self))
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].PID != holders[j].PID {
			return holders[i].PID < holders[j].PID
		}
		return holders[i].FD < holders[j].FD
	})
	return holders, skipped, nil
}

func describe(ctx context.Context, p *process.Process, fd uint64, self bool) Holder {
	h := Holder{PID: p.Pid, FD: fd, Self: self}
	h.Name, _ = p.NameWithContext(ctx)
	h.Cmdline, _ = p.CmdlineWithContext(ctx)
	h.Username, _ = p.UsernameWithContext(ctx)
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		h.StartedAt = time.UnixMilli(ms)
	}
	return h
}
