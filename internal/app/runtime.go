package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// testModeEnv makes the binaries exit before touching postgres, redis or the ledger.
const testModeEnv = "CARBONTRACK_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeFlag.Store(err == nil && on)
}

// InTestMode reports whether the binaries should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the flag after environment changes.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
