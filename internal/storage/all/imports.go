// Package all wires all built-in storage backends into the storage factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each concrete backend, which register
// their factories with the storage package:
//
//   - "postgres" (warehouse/internal/storage/postgres)
//   - "sqlite"   (warehouse/internal/storage/sqlite)
//
// Typical usage (in cmd/warehouse/main.go):
//
//	import _ "warehouse/internal/storage/all"
//
//	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
//	if err != nil { ... }
//	defer repo.Close()
package all

import (
	_ "warehouse/internal/storage/postgres"
	_ "warehouse/internal/storage/sqlite"
)
