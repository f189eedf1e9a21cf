package obslog

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// diagnosticLimiter throttles the noisy, caller-triggerable diagnostic
// log lines (a spinning Cancel/service-loop race, a Release(0) used as
// a pure wake-up in a tight loop, and similar) so a misbehaving or
// merely enthusiastic caller cannot flood the configured Logger.
//
// One bucket per second, capped at 20 events, is generous enough that a
// single legitimate burst never gets suppressed while a sustained spin
// does.
var diagnosticLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 20,
})

// AllowDiagnostic reports whether a diagnostic log line for the given
// category may be emitted right now. Categories are short static
// strings (e.g. "quota.cancel-race", "quota.release-zero") so they
// don't allocate per call once the category map is warm.
func AllowDiagnostic(category string) bool {
	_, ok := diagnosticLimiter.Allow(category)
	return ok
}
