// Package stats implements always-on atomic counters for kernel
// subsystems, adapted from biscuit's stats/stats.go. Biscuit gates its
// Counter_t.Inc behind a Stats build flag that compiles to nothing
// when disabled; Neuron's hosted model has no equivalent hot-path
// cost to avoid paying, so counters are unconditionally live and
// reflection-printable for diagnostics and tests.
package stats

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// Counter_t is an atomically updated statistic.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add adds delta to the counter.
func (c *Counter_t) Add(delta int64) {
	atomic.AddInt64((*int64)(c), delta)
}

// Get reads the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Dump renders every Counter_t field of st (a struct value or
// pointer) as "name: value" lines, for selftest and debug output.
func Dump(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if f.Type().String() == "stats.Counter_t" {
			c := f.Addr().Interface().(*Counter_t)
			s += fmt.Sprintf("%s: %d\n", v.Type().Field(i).Name, c.Get())
		}
	}
	return s
}
