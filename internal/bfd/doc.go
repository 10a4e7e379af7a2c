// Package bfd implements the single-hop asynchronous-mode BFD session
// engine: the per-session finite-state machine, timing and jitter model,
// wire packet codec, discriminator allocation, and the session manager
// that routes packets and timers to it.
//
// Authentication-section processing, multi-hop BFD, and the Echo function
// beyond parameter carriage are out of scope; see the collaborator
// interfaces in collaborators.go for how this package integrates with
// transport, routing-daemon notification, interface configuration, and a
// timer scheduler.
package bfd
