// Package sshterminal is the backend transport of the gateway: it dials a
// remote host over SSH, opens a PTY-backed login shell, and exposes that
// shell through a small non-blocking surface.
//
// It wraps golang.org/x/crypto/ssh. A [Shell] owns one SSH client connection
// and one interactive session on it:
//
//   - [Shell.ReadAvailable] returns buffered output without blocking. A
//     background goroutine drains the session stdout into a bounded queue,
//     so callers can poll and still observe their own stop signals promptly.
//   - [Shell.Write] forwards keystrokes to the session stdin.
//   - [Shell.Resize] sends a window-change request.
//   - [Shell.Active] reports whether the transport is still alive, using an
//     OpenSSH keepalive request bounded by [Dialer.KeepaliveTimeout].
//   - [Shell.Close] tears down the session and the client connection.
//
// [Dialer.Dial] honors the context deadline for the TCP dial, the SSH
// handshake, and the PTY/shell requests. Host keys are not verified.
//
// [OutputDecoder] turns raw output chunks into text, replacing invalid UTF-8
// and carrying incomplete multi-byte sequences over to the next chunk.
//
// # Log Prefixes
//
// Transport operations log at the [sshterminal] prefix.
package sshterminal
