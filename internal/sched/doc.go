// Package sched provides the dual task scheduler.
//
// Two instances are built on the same trigger engine:
//   - The local instance runs its jobs on every node.
//   - The clustered instance runs each firing on exactly one node, by taking
//     a lease in the shared job_claims table before executing.
//
// Every job, on either instance, executes under a per-identifier guard: a
// trigger that fires while the previous run of the same job is still in
// flight is dropped, never queued.
package sched
