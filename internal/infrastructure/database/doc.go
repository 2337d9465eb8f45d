// Package database provides the SQLite store used by the NXM bridge.
//
// The bridge keeps a small local history of device state changes so the
// local API can show what changed on the appliance and when. SQLite keeps
// the bridge self-contained: no database server is needed on the site
// controller.
//
// This package manages:
//   - Opening the database with WAL mode and a busy timeout
//   - Applying versioned migrations from any fs.FS (normally the embedded
//     migrations package)
//   - Health checks for the local API
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is created with 0600 permissions
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
