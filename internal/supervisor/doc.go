// Package supervisor owns process lifecycle.
//
// Components register as named tasks; startup runs in registration
// order, shutdown in reverse with a bounded grace period per task.
// Background loops (mesh refresh, sweepers) run under the supervisor
// and can be restarted when they fail.
package supervisor
