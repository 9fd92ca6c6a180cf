// Package command
// Author: momentics <momentics@gmail.com>
//
// Control channel between acceptors, reactors and workers.
//
// Commands are small fixed-size records delivered best-effort to a
// per-recipient well-known path. Two transports share the Endpoint contract:
//   - Bus: in-process mailboxes built on buffered channels, each with a
//     pollable wake descriptor so reactors can watch it next to sockets
//   - UnixEndpoint: connectionless unix datagram sockets
//
// Send never blocks and never retries; a full or missing mailbox is reported
// to the caller, which logs it and relies on its own resend path.
package command
