package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// verifyPrefix holds probe objects written by Verify.
const verifyPrefix = ".litehalt-verify"

// Remover is implemented by sinks that can delete objects. Verify uses it to
// clean up its probe.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyResult captures the outcome of destination checks.
type VerifyResult struct {
	Sink   string
	Checks []CheckResult
}

// Passed reports whether all checks succeeded.
func (r VerifyResult) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// Verify writes a small probe object to sink and removes it again, so a bad
// destination is found before a halt is taken for a real snapshot.
func Verify(ctx context.Context, sink Sink) VerifyResult {
	result := VerifyResult{Sink: sink.String()}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	run := func(name string, fn func(context.Context) error) bool {
		err := fn(ctx)
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err})
		return err == nil
	}

	key := path.Join(verifyPrefix, uuid.Must(uuid.NewV7()).String())
	body := []byte("litehalt verify " + time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if !run("PutProbe", func(ctx context.Context) error {
		return sink.Put(ctx, key, bytes.NewReader(body), int64(len(body)))
	}) {
		return result
	}
	remover, ok := sink.(Remover)
	if !ok {
		result.Checks = append(result.Checks, CheckResult{
			Name: "RemoveProbe",
			Err:  fmt.Errorf("%s cannot remove objects; delete %s manually", sink, key),
		})
		return result
	}
	run("RemoveProbe", func(ctx context.Context) error {
		return remover.Remove(ctx, key)
	})
	return result
}
