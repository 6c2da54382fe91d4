// Package oncelog provides a sync.Once-gated log.Printf, used for the
// warnings spec.md calls out as "one-shot": emitted the first time a
// condition is observed and never repeated, so a noisy guest can't flood
// the host log.
package oncelog

import (
	"log"
	"sync"
)

// Warning is a single one-shot warning. The zero value is ready to use.
type Warning struct {
	once sync.Once
}

// Emit logs format/args via log.Printf exactly once for the lifetime of w.
func (w *Warning) Emit(format string, args ...any) {
	w.once.Do(func() {
		log.Printf(format, args...)
	})
}
