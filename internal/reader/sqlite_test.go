package reader

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

// seedSQLite creates a throwaway database for reader tests.
func seedSQLite(t *testing.T, path, ddl string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(ddl)
	require.NoError(t, err)
}
