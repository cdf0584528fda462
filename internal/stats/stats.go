// Package stats backs the kernel's read-only statistics surface:
// always-on atomic counters and duration accumulators that the
// subsystems bump as they run. Cycles_t measures wall time via
// time.Since, since stock Go has no portable cycle counter.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Counter_t is a monotonically-adjustable statistical counter.
type Counter_t int64

// Cycles_t accumulates elapsed nanoseconds.
type Cycles_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

// Get reads the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Since adds the elapsed time since start to the accumulator. Typical
// use is `defer stats.Global.SyscallTime.Since(time.Now())`.
func (c *Cycles_t) Since(start time.Time) {
	atomic.AddInt64((*int64)(c), int64(time.Since(start)))
}

// Duration returns the accumulated time.
func (c *Cycles_t) Duration() time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(c)))
}

// String renders every Counter_t/Cycles_t field of st (a struct
// value, not a pointer) as "name: value" lines.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			b.WriteString("\n\t" + name + ": " + strconv.FormatInt(int64(n), 10))
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			b.WriteString("\n\t" + name + ": " + time.Duration(n).String())
		}
	}
	b.WriteString("\n")
	return b.String()
}

// Kernel aggregates the kernel-wide counters: syscalls served, page
// faults, context switches, audit events, and classification
// denials.
type Kernel struct {
	Syscalls       Counter_t
	PageFaults     Counter_t
	ContextSwitches Counter_t
	AuditEvents    Counter_t
	AccessDenials  Counter_t
	SyscallTime    Cycles_t
}

// Global is the process-wide statistics block. internal/syscall and
// internal/kernel import it and bump its counters directly.
var Global Kernel
