// Package luffybot is the execution engine of an operator-facing script
// supervisor: a single-node daemon that owns a fixed catalog of long-running
// maintenance scripts, admits start requests from operators and a public
// audience, schedules launches through a priority queue, supervises every
// child process (timeout, resource kill, retry), and persists an auditable
// run ledger.
//
// The engine is deliberately chat-platform agnostic. Outbound messages and
// presence updates go through the Notifier port; the chat binding is a
// collaborator that implements it (see frontend/discordhook for a webhook
// sender). Durable state goes through the Store interface, with SQLite
// (store/sqlite) and PostgreSQL (store/postgres) backends.
package luffybot
