// Package lock provides fair distributed read/write locks built on a
// coordination service. Every acquire attempt enqueues an ephemeral sequential
// node under the lock path; a request is granted once no conflicting request
// with a smaller sequence number remains. Waiting is driven by one-shot
// existence watches on the blocking predecessor, never by polling.
//
// Write locks conflict with every earlier request. Read locks conflict only
// with earlier write requests, so readers run in parallel but never overtake a
// queued writer.
package lock
