// Package guard puts the process into test mode when imported. The binaries
// then return before dialing postgres, redis or a chain node, and any ledger
// opened by a test defaults to the in-process simulator.
package guard

import "os"

var defaults = map[string]string{
	"CARBONTRACK_TEST_MODE": "1",
	"LEDGER_MODE":           "simulated",
}

func init() {
	for key, value := range defaults {
		if _, ok := os.LookupEnv(key); !ok {
			_ = os.Setenv(key, value)
		}
	}
}
