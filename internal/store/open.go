package store

// Open returns the store for driver. The file driver keeps JSON documents
// under dataDir; sql drivers use dsn.
func Open(driver, dsn, dataDir string) (Store, error) { //nolint:ireturn
	if driver == "" || driver == "file" {
		return NewFileStore(dataDir), nil
	}
	return OpenSQL(driver, dsn)
}
