// Package storage writes export files.
//
// A Manager owns one output directory. Files are written to a temporary
// name and renamed into place, so a reader never observes a partial
// export. Existing exports are indexed on start so callers can avoid
// overwriting them.
//
// Usage:
//
//	manager, err := storage.NewManager("./exports")
//	if err != nil {
//	    return err
//	}
//	path, err := manager.Save(strings.NewReader("alice\nbob\n"), "acme-leads")
package storage
