package database

import "fmt"

var (
	_ ExtendedStore = (*BoltStore)(nil)
	_ ExtendedStore = (*SQLiteStore)(nil)
)

// Open returns the store backend named by kind ("boltdb" or "sqlite").
func Open(kind, path string) (ExtendedStore, error) {
	switch kind {
	case "", "boltdb":
		store, err := NewBoltStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", kind)
	}
}
