// Package database provides the SQLite store behind the device registry.
//
// It owns the connection (WAL mode, busy timeout, a single pooled
// connection so writes apply in call order) and a forward-only migration
// runner fed from an fs.FS of versioned SQL files.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are additive: new columns are NULLable or carry a
// DEFAULT, and every .up.sql ships with a matching .down.sql.
package database
