// Package redis implements coord.Conn on a single Redis server.
//
// Nodes are hashes holding data and owner, children are sets, and every
// mutation runs as a Lua script so it is atomic and publishes its watch
// notifications in the same step. Sessions register a deadline in a sorted
// set; each connection refreshes its own deadline and reaps sessions whose
// deadline passed, deleting their ephemeral nodes.
//
// Watches ride on one pattern subscription per connection. Notifications
// published while the subscription is down are lost, so pending watches
// receive coord.EventNotWatching after a reconnect.
package redis
