// Package poller learns chat addresses from inbound Telegram updates.
//
// It long-polls getUpdates after an in-memory cursor, upserts the sender
// of each message into the directory, answers /start, /hello and /info,
// and persists the directory once per batch. The cursor is not persisted:
// on restart it skips to the newest pending update again.
package poller
