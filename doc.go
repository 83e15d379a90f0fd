// Package neodriver provides a single queue API over interchangeable queue backends.
//
// Backends differ wildly in how they hand out messages: some block until a message arrives, some reserve a batch of
// messages in one round trip, and some can only be asked whether a message is available right now. neodriver hides
// those differences behind PopMessage, which waits at most the requested timeout regardless of the backend, and never
// loses messages that a backend handed over ahead of demand.
//
// In-memory, Redis, Postgres, SQLite, SQS, AMQP and MongoDB backends are provided out of the box.
package neodriver
