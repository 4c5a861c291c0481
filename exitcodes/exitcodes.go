// Package exitcodes defines the standard exit codes used by the test262 runner.
package exitcodes

// Exit code constants used by the test262 runner.
//
// * Success (0): the external harness reported every test as passing
// * TestFailure (1): the harness failed without reporting its own exit code
// * RuntimeErr (2): configuration, sync, selection or staging failures, and harness timeouts
//
// Any other non-zero code is the harness' own exit code, propagated unchanged.
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)
