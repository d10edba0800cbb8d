// Package tagbox implements event sourcing with dynamic consistency
// boundaries. Instead of one stream per aggregate, every event carries a set
// of tags and a command's write is checked only against the tags it touches.
//
// Typical usage looks like:
//   - Create a Tagbox over an EventStore (memory, Redis, SQLite, PostgreSQL)
//   - Define Projectors whose Appliers fold events into state
//   - Use an Executor to run Handlers that read tag state through a
//     CommandContext and return the events to write
//   - Feed a MultiProjectionActor from an EventProvider to build read
//     models that span many tags
//
// The examples/enrollment package contains a student and classroom domain
// that exercises the API, and cmd/tagbox runs it against a chosen store.
package tagbox
