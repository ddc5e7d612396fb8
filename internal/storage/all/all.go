// Package all links every storage backend into the binary.
package all

import (
	_ "lakeforge/internal/storage/memory"
	_ "lakeforge/internal/storage/mssql"
	_ "lakeforge/internal/storage/mysql"
	_ "lakeforge/internal/storage/oracle"
	_ "lakeforge/internal/storage/postgres"
	_ "lakeforge/internal/storage/sqlite"
)
