// Package history persists the message log of each chat.
//
// # Overview
//
// Every chat has two logs: the customer view and the operator view. The
// operator view additionally carries internal events such as transfers.
//
//	log, err := history.NewSQLiteLog("~/.local/share/switchboard/history.db", 100)
//	log.RecordMessage(ctx, history.ViewOperator, chatID, msg)
//	msgs, err := log.FindLog(ctx, history.ViewOperator, chatID)
//
// # Implementations
//
//   - MemoryLog: bounded in-process log, used for ":memory:" databases
//   - SQLiteLog: modernc.org/sqlite, WAL mode, schema created on open
//
// Recording the same message id twice for one chat view keeps the first copy,
// so replays after a reconnect are harmless.
package history
