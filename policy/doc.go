// Package policy implements the static source filter that runs before any
// code is written to disk or executed.
//
// The filter is a textual deny-list: a set of regular expressions applied to
// every language plus language specific sets. It catches the obvious cases
// (process termination, shelling out, file and reflection access, dynamic
// evaluation) and gives callers early, readable feedback. It cannot see
// through obfuscated or dynamically assembled calls, so a passing check is
// never a safety guarantee. Isolation is the job of the sandbox backend.
//
// Usage:
//
//	filter := policy.NewFilter(policy.WithMaxSourceBytes(64 * 1024))
//	if err := filter.Check("python", code); errors.Is(err, policy.ErrUnsafeCode) {
//	    // reject the request
//	}
package policy
