// Package studystore durably records participants, conversations and messages.
//
// Two implementations share the same semantics: SQLiteStore for deployments and
// InMemoryStore for tests and ephemeral runs. The conversation interaction count
// is derived: every SaveMessage recomputes it from the participant-authored rows
// instead of incrementing a counter, so a skipped or repeated save self-corrects.
//
// A conversation is closed exactly once. A second EndConversation, and any
// SaveMessage after close, fail with ErrConversationClosed and leave the stored
// rows untouched.
package studystore
