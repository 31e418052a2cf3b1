package session

// Store abstracts durable persistence of the session record across restarts.
// Implementations perform storage I/O only and never touch the network.
type Store interface {
	// Load returns the persisted record, or nil when none exists. Malformed
	// stored data is treated as absent and cleared rather than surfaced. A
	// non-nil record always carries a non-nil User; a record without one is
	// malformed and must be reported as absent.
	Load() (*StorageRecord, error)
	// Save persists the record, replacing any existing one.
	Save(record *StorageRecord) error
	// Clear removes the persisted record. Clearing an absent record is a no-op.
	Clear() error
}
