// Package prof accounts for how the scheduler spends its dispatch slices
// and renders that accounting as a standard pprof profile, so the same
// `go tool pprof` that reads a Go process's CPU profile can visualize
// which processes this kernel spent its time running. Grounded on
// biscuit's own use of google/pprof/profile for its allocator and lock
// diagnostics (misc/depgraph and the compiler toolchain it embeds both
// build profile.Profile values directly rather than going through
// runtime/pprof, which has nothing to sample on a single-hart kernel with
// no OS threads underneath it).
package prof

import (
	"sync"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
)

// Sample is one completed dispatch: pid ran for the given number of
// scheduler ticks before yielding, blocking, or exiting.
type Sample struct {
	Pid   int
	Name  string
	Ticks int64
}

// Recorder accumulates dispatch samples until Snapshot renders them.
// There is exactly one process-wide instance, Default, matching the
// other single-threaded kernel singletons in package ksync's style, but
// plain-mutex guarded since profiling must never itself require the
// scheduler to be in a consistent state to record a sample.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
}

// Default is the recorder sched.RunTasks and friends report dispatches
// to. It starts empty and costs nothing until something calls Record.
var Default = &Recorder{}

// Record appends one completed dispatch. name is demangled before
// storage: a process exec'd from a binary built by a C++ or Rust
// cross-compiler toward this kernel's target may carry an Itanium- or
// Rust-mangled symbol as its argv[0], and a plain ELF path or "initproc"
// passes through Filter unchanged.
func (r *Recorder) Record(pid int, name string, ticks int64) {
	if ticks <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{Pid: pid, Name: demangle.Filter(name), Ticks: ticks})
}

// Reset discards every recorded sample.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
}

// Snapshot renders the samples recorded so far as a pprof Profile with a
// single "ticks" sample type, one Location/Function per distinct process
// name, and one Sample per distinct pid. It does not reset the recorder;
// callers that want a windowed profile should Reset after Snapshot.
func (r *Recorder) Snapshot() *profile.Profile {
	r.mu.Lock()
	samples := append([]Sample(nil), r.samples...)
	r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "ticks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "ticks", Unit: "count"},
		Period:     1,
	}

	funcByName := map[string]*profile.Function{}
	locByName := map[string]*profile.Location{}
	var nextID uint64 = 1
	locFor := func(name string) *profile.Location {
		if loc, ok := locByName[name]; ok {
			return loc
		}
		fn := funcByName[name]
		if fn == nil {
			fn = &profile.Function{ID: nextID, Name: name}
			nextID++
			funcByName[name] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++
		locByName[name] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	totalsByPid := map[int]int64{}
	nameByPid := map[int]string{}
	order := []int{}
	for _, s := range samples {
		if _, seen := totalsByPid[s.Pid]; !seen {
			order = append(order, s.Pid)
		}
		totalsByPid[s.Pid] += s.Ticks
		nameByPid[s.Pid] = s.Name
	}
	for _, pid := range order {
		loc := locFor(nameByPid[pid])
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{totalsByPid[pid]},
			Label:    map[string][]string{"pid": {itoa(pid)}},
		})
	}
	return p
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
