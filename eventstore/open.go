package eventstore

import "fmt"

// Open dispatches to OpenLocal or OpenPortable based on engine, matching
// config.Config.StoreEngine's two recognized values.
func Open(engine, path string) (Store, error) {
	switch engine {
	case "", "sqlite3":
		return OpenLocal(path)
	case "purego":
		return OpenPortable(path)
	default:
		return nil, fmt.Errorf("eventstore: unknown engine %q (want %q or %q)", engine, "sqlite3", "purego")
	}
}
