package sqlite

import "go.uber.org/zap"

// Config holds SQLite repository configuration derived from storage.Config.
type Config struct {
	// DSN is a SQLite connection string or file path, e.g.:
	//   "file:warehouse.db"
	//   "warehouse.db" (interpreted by the driver)
	DSN string

	// BatchSize is the number of rows per insert flush in CopyCSV.
	BatchSize int

	Log *zap.Logger
}
