// Package task implements the supervised asynchronous task core: spawning
// short-lived workers as independent goroutines, monitoring their completion
// or crash without coupling their lifetime to the caller's, and handing the
// caller a Handle it can await later.
//
// Awaited workers do not touch their callable until the owner's handshake
// arrives, which closes the race between "worker exists" and "owner has
// finished setting up its monitor". A worker resolves exactly one of two
// channels: the owner mailbox on success, or the monitor down channel on
// crash, so an owner only ever has one thing to wait on.
package task
