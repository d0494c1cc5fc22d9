// Package keyset implements a contributed key set: every participant publishes
// its own list of keys as a child node of a shared path, and every participant
// observes the union of all published lists.
//
// The aggregate is kept current by watches on the child list and on every
// contribution. Each change triggers a full re-read; listeners are notified
// only when the union actually changed. Participants never talk to each other
// directly.
package keyset
