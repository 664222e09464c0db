// Package sshaudit records the gateway's connection lifecycle to the database.
//
// [Auditor.Handle] is registered as a [sshmanager.EventListener] and turns
// registry events into rows of the audit_logs table:
//   - [EventConnectionEstablished]: a backend shell session came up.
//   - [EventConnectionFailed]: a connect attempt failed; the row's details
//     carry the sanitized error.
//   - [EventConnectionRemoved]: a client or API call removed a connection.
//   - [EventConnectionEvicted]: the liveness sweep evicted a dead connection.
//
// The terminal gateway adds [EventChannelOpened] and [EventChannelClosed]
// rows, tagged with the client's source IP.
//
// Rows older than the retention window are deleted by a daily cron job
// registered with [Auditor.Schedule]. All writes are also echoed to the
// standard logger with the [ssh-audit] prefix.
package sshaudit
