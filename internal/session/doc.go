// Package session
// Author: momentics <momentics@gmail.com>
//
// Subscription bookkeeping for the orchestrator: a sharded store of live
// subscriptions, each owning a bounded message history and its own
// recent-keys index.
package session
