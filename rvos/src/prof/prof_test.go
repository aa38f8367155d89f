package prof

import "testing"

func TestRecordIgnoresNonPositiveTicks(t *testing.T) {
	r := &Recorder{}
	r.Record(1, "initproc", 0)
	r.Record(1, "initproc", -5)
	if len(r.samples) != 0 {
		t.Fatalf("got %d samples, want 0", len(r.samples))
	}
}

func TestSnapshotAggregatesByPid(t *testing.T) {
	r := &Recorder{}
	r.Record(2, "user_shell", 10)
	r.Record(2, "user_shell", 5)
	r.Record(3, "initproc", 7)

	p := r.Snapshot()
	if err := p.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples, want 2", len(p.Sample))
	}

	totals := map[string]int64{}
	for _, s := range p.Sample {
		totals[s.Location[0].Line[0].Function.Name] += s.Value[0]
	}
	if totals["user_shell"] != 15 {
		t.Errorf("user_shell total = %d, want 15", totals["user_shell"])
	}
	if totals["initproc"] != 7 {
		t.Errorf("initproc total = %d, want 7", totals["initproc"])
	}
}

func TestResetClearsSamples(t *testing.T) {
	r := &Recorder{}
	r.Record(1, "a", 1)
	r.Reset()
	if len(r.Snapshot().Sample) != 0 {
		t.Fatalf("expected no samples after Reset")
	}
}
