// Package hubmesh lets many front-end processes, each holding its own
// client connections, behave as a single real-time multicast service.
//
// A message can address one connection, a named group, every connection
// of an authenticated user or the whole hub. It reaches the right sockets
// whatever process holds them.
//
// ## How it works
//
// Every process runs one `Coordinator` per hub. It is the only component
// with access to the sockets. Everything that crosses processes goes
// through durable, keyed entities hosted by an `actor.Runtime`:
//
//   - a routing entity per connection remembers which server holds it;
//   - a group entity per named group or user tracks its member
//     connections and drops them on their own when they disconnect;
//   - a directory singleton collects heartbeats and evicts the servers
//     which stopped sending them.
//
// Entities and coordinators talk over a `stream.Provider`: a publish/
// subscribe transport with ordered, at-least-once delivery per topic and
// subscriptions that can be resumed after a restart.
//
// Sending to a connection held by the local process never leaves it. Any
// other send is published on the unicast topic of the owning server, or
// on the broadcast topic of the hub.
//
// ## Failure model
//
// Nothing here takes a lock across processes, so several processes may
// activate the same entity. Records are written with optimistic
// concurrency and merged on conflict. Routing and group entities reload
// their record before every send or count, so a read only misses changes
// another process has not persisted yet. Messages may be delivered more
// than once. When a server dies, the directory publishes a failure event
// which its connections' routing entities turn into disconnects, so
// groups converge without it. A server stays in the directory until that
// event is out.
package hubmesh
