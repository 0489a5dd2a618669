package app

import (
	"os"
	"strconv"
	"sync/atomic"
	"testing"
)

// TestModeEnv makes the binaries exit before dialing Postgres, Redis or Saleor.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the process runs under go test or with TestModeEnv set.
// The answer is cached until RefreshTestMode is called.
func InTestMode() bool {
	if cached := testMode.Load(); cached != nil {
		return *cached
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads the environment and returns the new value.
func RefreshTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	on = on || testing.Testing()
	testMode.Store(&on)
	return on
}
