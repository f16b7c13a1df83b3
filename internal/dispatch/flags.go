package dispatch

import "sync/atomic"

// boolFlag is a small atomic on/off toggle for the admin commands that
// flip a process-wide switch (ACTIVATE_STALE_READS) without needing a
// full mutex.
type boolFlag struct {
	v atomic.Bool
}

func (f *boolFlag) store(val bool) { f.v.Store(val) }
func (f *boolFlag) load() bool     { return f.v.Load() }

// stringFlag is the same idea for RAFT_SET_FSYNC_POLICY's small string
// enum.
type stringFlag struct {
	v atomic.Value
}

func (f *stringFlag) store(val string) { f.v.Store(val) }
func (f *stringFlag) load() string {
	v, _ := f.v.Load().(string)
	return v
}
