package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/storage"
	"github.com/ashita-ai/shikumi/internal/testutil"
	"github.com/ashita-ai/shikumi/migrations"
)

var pg struct {
	once sync.Once
	tc   *testutil.TestContainer
	db   *storage.Postgres
	err  error
}

func TestMain(m *testing.M) {
	code := m.Run()
	if pg.db != nil {
		_ = pg.db.Close()
	}
	if pg.tc != nil {
		pg.tc.Terminate()
	}
	os.Exit(code)
}

// postgresDB starts one container for the package, skipping when Docker is
// unavailable.
func postgresDB(t *testing.T) *storage.Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	pg.once.Do(func() {
		pg.tc, pg.err = testutil.StartPostgres()
		if pg.err != nil {
			return
		}
		pg.db, pg.err = pg.tc.NewTestPostgres(context.Background(), testutil.TestLogger())
	})
	if pg.err != nil {
		t.Skipf("postgres unavailable: %v", pg.err)
	}
	return pg.db
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, postgresDB(t))
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	db := postgresDB(t)
	ctx := context.Background()
	require.NoError(t, db.RunMigrations(ctx, migrations.Postgres))

	var n int
	require.NoError(t, db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPostgresRejectsMutation(t *testing.T) {
	db := postgresDB(t)
	ctx := context.Background()
	tr, err := audit.NewTrail(ctx, db, nil)
	require.NoError(t, err)
	_, err = tr.Append(ctx, model.DecisionRecord{TraceID: "mutate", DecisionType: model.DecisionRouting, Target: "w"})
	require.NoError(t, err)

	_, err = db.Pool().Exec(ctx, `UPDATE decision_records SET target = 'x'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.Pool().Exec(ctx, `DELETE FROM decision_records`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}
