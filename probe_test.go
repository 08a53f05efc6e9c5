package litehalt

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
)

func TestProbeMissingLockFile(t *testing.T) {
	db := filepath.Join(t.TempDir(), "app.db")
	st, err := Probe(db, Config{})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if st.Exists || st.Halted {
		t.Fatalf("expected untouched database, got %+v", st)
	}
	if st.LockPath != db+"-lock" {
		t.Fatalf("unexpected lock path %q", st.LockPath)
	}
}

func TestProbeObservesHalt(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("probing a halt held by the same process needs open file description locks")
	}
	hc, db := newTestCoordinator(t, Config{})
	err := hc.WithHalt(context.Background(), db, func(context.Context) error {
		st, err := Probe(db, Config{})
		if err != nil {
			return err
		}
		if !st.Exists || !st.Halted {
			t.Errorf("expected halted status, got %+v", st)
		}
		local, err := hc.Probe(db)
		if err != nil {
			return err
		}
		if local.Local != StateHeld || !local.Halted {
			t.Errorf("expected coordinator to report its own halt, got %+v", local)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with halt: %v", err)
	}
	st, err := Probe(db, Config{})
	if err != nil {
		t.Fatalf("probe after: %v", err)
	}
	if !st.Exists || st.Halted {
		t.Fatalf("expected released halt, got %+v", st)
	}
}

func TestSerialisedProbeLeavesOwnHaltAlone(t *testing.T) {
	hc, db := newTestCoordinator(t, Config{})
	hc.serializeProbe = true

	st, err := hc.Probe(db)
	if err != nil {
		t.Fatalf("probe idle: %v", err)
	}
	if st.Halted || st.Local != StateIdle {
		t.Fatalf("expected idle database, got %+v", st)
	}

	err = hc.WithHalt(context.Background(), db, func(context.Context) error {
		for i := 0; i < 3; i++ {
			st, err := hc.Probe(db)
			if err != nil {
				return err
			}
			if !st.Halted || st.Local != StateHeld {
				t.Errorf("probe %d: expected own halt, got %+v", i, st)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with halt: %v", err)
	}
	if err := hc.TryWithHalt(context.Background(), db, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("halt not free after probes: %v", err)
	}
	st, err = hc.Probe(db)
	if err != nil {
		t.Fatalf("probe after: %v", err)
	}
	if !st.Exists || st.Halted {
		t.Fatalf("expected released halt, got %+v", st)
	}
}
