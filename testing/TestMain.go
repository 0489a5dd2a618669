// Package testing pins the environment for test binaries. Blank-import it from any
// test package that loads app.Config or starts the HTTP router.
package testing

import "os"

// Defaults are applied only when the variable is unset, so CI can still override them.
var Defaults = map[string]string{
	"ODYSSEY_TEST_MODE":  "1",
	"COST_BASE_CURRENCY": "USD",
	"LOG_FORMAT":         "json",
	"LOG_LEVEL":          "error",
}

func init() {
	for key, value := range Defaults {
		if _, ok := os.LookupEnv(key); !ok {
			_ = os.Setenv(key, value)
		}
	}
}
