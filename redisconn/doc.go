/*
Package redisconn implements resilient connection to single valkey/redis server.

ReconnectingConnection owns one logical connection to one node. It is created by Connect,
which tries to connect several times with bounded backoff. When connection is broken,
ReconnectingConnection starts single background loop, which reconnects with infinite backoff
until it succeeds or until connection is dropped (MarkAsDropped) or its context is closed.

Requests are never retried by ReconnectingConnection itself: failure of a batch is returned
to the caller, and connection is switched to reconnecting state. GetConnection waits until
connection is established again.

Network transport is pluggable with Opts.Dialer. DefaultDialer connects over tcp or unix socket,
and performs AUTH, CLIENT SETNAME and SELECT on every new connection.
*/
package redisconn
