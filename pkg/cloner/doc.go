// Copyright 2024-2026 Aiku AI

// Package cloner relays messages from a source channel to a target channel
// through a pool of worker accounts. Each source sender is bound to one
// worker whose display name and avatar are made to mirror the sender before
// the first message is relayed.
//
// Messages of one sender are handled strictly in arrival order
// ([SenderLockTable]); a worker only ever runs one platform operation at a
// time ([WorkerLockTable]). Replies are linked through a [ReplyIndex] that
// maps source message IDs to their copies in the target channel. Workers whose
// identity the platform rejects are evicted by the [FrozenAccountHandler].
package cloner
