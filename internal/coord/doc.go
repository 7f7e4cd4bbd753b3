// Package coord defines the shared domain types for the session
// coordination core: sessions, queue entries, leases, command envelopes,
// and the error taxonomy reported at every command boundary.
//
// Types in this package are plain data. All mutation flows through the
// single-writer reactor in internal/writer; nothing here touches storage.
package coord
