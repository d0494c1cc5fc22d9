// Package etcd implements coord.Conn on top of an etcd v3 cluster.
//
// Every node is stored under a key carrying its depth, "n/<depth><path>", so
// the direct children of a node form one key prefix. Ephemeral nodes are
// attached to the lease of a concurrency.Session and vanish when the lease
// expires or is revoked. Sequence counters live under "s<path>" and are
// advanced in the same transaction that creates the node.
package etcd
