// Package uart emits the deterministic text markers that bracket boot
// and bring-up. Markers are literal bytes with
// no timestamps or random fields -- they are written directly to the
// sink, never routed through a structured logger, so nothing in the
// ambient logging stack can reorder, reformat, or drop them. This
// mirrors the many bare fmt.Printf milestone lines scattered through
// biscuit's boot path (mem/mem.go's Phys_init, mem/dmap.go's Dmap_init).
package uart

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink is where markers are written. Defaults to os.Stdout, standing
// in for the QEMU virt UART device.
var (
	mu   sync.Mutex
	sink io.Writer = os.Stdout
)

// SetSink redirects marker output, for tests that want to capture and
// assert on the exact marker sequence.
func SetSink(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
}

// Marker writes a single literal marker line. It never returns an
// error: a UART write failure is not a recoverable kernel condition,
// so Marker panics rather than threading an error return through every
// boot-path call site (biscuit's own milestone prints are equally
// unconditional fmt.Printf calls).
func Marker(line string) {
	mu.Lock()
	defer mu.Unlock()
	if _, err := fmt.Fprintln(sink, line); err != nil {
		panic(fmt.Sprintf("uart: write failed: %v", err))
	}
}

// Markerf formats and writes a marker line.
func Markerf(format string, args ...interface{}) {
	Marker(fmt.Sprintf(format, args...))
}
