// Package checks holds the fatal error helpers used at process startup. It has its own
// package to prevent dependency cycles.
package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

func stack() string {
	return strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
}

// CheckWithMessage exits the process with message when err is set.
func CheckWithMessage(err error, message string) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", stack()).Msg(message)
	}
}
