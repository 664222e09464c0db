// Package sshmanager owns the lifecycle of backend shell connections.
//
// # Core Components
//
//   - [Connection]: one remote shell session. It is dialed once, pumps output
//     to a registered callback from a dedicated goroutine, and is left inert
//     by [Connection.Disconnect]. A new attempt needs a new Connection.
//   - [Registry]: the process-wide table of connections keyed by a generated
//     UUID. It is the only owner of connection lifetime; everything else refers
//     to connections by ID.
//   - [Sweeper]: a cron job that periodically calls [Registry.Cleanup] to evict
//     connections whose transport died without anyone closing them.
//
// # Connection Lifecycle
//
//  1. [Registry.Create] reserves an ID and inserts a pending entry. Pending
//     entries are invisible to Get, List and Cleanup.
//  2. The caller registers the output callback with [Connection.OnOutput].
//  3. [Registry.Connect] dials with the connect timeout. On success the entry
//     becomes visible and the output goroutine starts; on failure the entry is
//     dropped before the error is returned.
//  4. [Registry.Remove] or [Registry.Cleanup] deletes the entry and then
//     disconnects it outside the table lock.
//
// # Locking
//
// The registry table lock and each connection's own lock are independent.
// No network I/O happens while the table lock is held: Cleanup snapshots the
// table, probes liveness unlocked, and only deletes entries that are still
// the same object when it re-acquires the lock, so a concurrent Remove and
// Cleanup never both report the same ID.
//
// The output goroutine polls [Shell.ReadAvailable] and sleeps for the poll
// interval when nothing is pending, so a Disconnect is observed within one
// interval. Disconnect waits for the goroutine for at most the disconnect
// timeout and then closes the transport regardless.
//
// # Log Prefixes
//
// Connections log at [ssh-conn], the registry at [registry], and the sweeper
// at [sweeper].
package sshmanager
