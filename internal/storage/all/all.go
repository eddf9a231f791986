// Package all registers every storage backend with the storage factory.
// Commands import it for side effects; config picks the backend.
package all

import (
	_ "paineis/internal/storage/mssql"
	_ "paineis/internal/storage/postgres"
	_ "paineis/internal/storage/sqlite"
)
