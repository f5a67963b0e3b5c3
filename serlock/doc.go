// Package serlock implements cooperative mutual exclusion for a shared serial
// device among unrelated processes.
//
// Each device has a lock file holding one entry per line, "<pid> <command>".
// Append order is queue order and the first line, the head, owns the device.
// A process queues by appending its entry and polls until it becomes head.
// Entries are only ever removed by a compacting rewrite: the survivors are
// written to "<lockfile>.<pid>" and renamed over the original. Appends and
// reads hold a shared flock and rewrites hold an exclusive one, so a rewrite
// never interleaves with another writer.
//
// A waiter that finds a dead head, or a head whose PID now runs a different
// command, removes it after the same PID has been seen stale on two polls.
//
// The locking is advisory. It only excludes processes that follow the same
// protocol.
package serlock
