package migration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	appconfig "github.com/BaSui01/dagflow/config"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    Dialect
		wantErr bool
	}{
		{"postgres", DialectPostgres, false},
		{"PostgreSQL", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"mariadb", DialectMySQL, false},
		{" mysql ", DialectMySQL, false},
		{"sqlite3", DialectSQLite, false},
		{"oracle", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDialect(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildURL(t *testing.T) {
	db := appconfig.DatabaseConfig{Host: "db", Port: 5432, User: "flow", Password: "pw", Name: "dagflow", SSLMode: "disable"}
	assert.Equal(t, "postgres://flow:pw@db:5432/dagflow?sslmode=disable", BuildURL(DialectPostgres, db))

	db.SSLMode = ""
	assert.Equal(t, "postgres://flow:pw@db:5432/dagflow?sslmode=require", BuildURL(DialectPostgres, db))

	db.Port = 3306
	assert.Equal(t, "flow:pw@tcp(db:3306)/dagflow?parseTime=true&multiStatements=true", BuildURL(DialectMySQL, db))

	assert.Equal(t, "file:/var/lib/dagflow.db?mode=rwc&_pragma=foreign_keys(1)",
		BuildURL(DialectSQLite, appconfig.DatabaseConfig{Name: "/var/lib/dagflow.db"}))
	assert.Empty(t, BuildURL(Dialect("oracle"), db))
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(Config{Dialect: "oracle", URL: "x"})
	assert.ErrorContains(t, err, "unsupported database type")

	_, err = NewMigrator(Config{Dialect: DialectSQLite})
	assert.ErrorContains(t, err, "database URL is required")
}

func newSQLiteMigrator(t *testing.T, logger *zap.Logger) *SchemaMigrator {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dagflow.db")
	m, err := NewMigrator(Config{
		Dialect: DialectSQLite,
		URL:     BuildURL(DialectSQLite, appconfig.DatabaseConfig{Name: dbPath}),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSchemaMigrator_UpDownRoundTrip(t *testing.T) {
	m := newSQLiteMigrator(t, nil)
	ctx := context.Background()

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
	assert.ErrorContains(t, m.Verify(ctx), "workflow_definitions")

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "nothing pending is not an error")
	require.NoError(t, m.Verify(ctx))

	tables, err := m.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, WorkflowTables, tables)

	report, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), report.Current)
	require.Len(t, report.Migrations, 1)
	assert.Equal(t, Migration{Version: 1, Name: "create_workflow_tables", Applied: true}, report.Migrations[0])
	assert.Equal(t, 1, report.Applied())
	assert.Zero(t, report.Pending())

	require.NoError(t, m.Down(ctx))
	tables, err = m.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)

	require.NoError(t, m.Goto(ctx, 1))
	require.NoError(t, m.Reset(ctx))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestSchemaMigrator_ForceMarksVersion(t *testing.T) {
	m := newSQLiteMigrator(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Force(ctx, 1))
	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// forcing does not create the tables
	assert.Error(t, m.Verify(ctx))
}

func TestSchemaMigrator_CancelledContext(t *testing.T) {
	m := newSQLiteMigrator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Up(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// a later call is not affected by the earlier stop signal
	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, m.Verify(context.Background()))
}

func TestSchemaMigrator_LogsThroughZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := newSQLiteMigrator(t, zap.New(core))

	require.NoError(t, m.Up(context.Background()))

	applied := logs.FilterMessage("migration applied").All()
	require.Len(t, applied, 1)
	assert.Equal(t, "up", applied[0].ContextMap()["op"])
	assert.Equal(t, "migration", applied[0].ContextMap()["component"])
	assert.True(t, migrateLogger{sugar: zap.New(core).Sugar()}.Verbose())
}

func TestAvailableMigrations(t *testing.T) {
	for _, d := range []Dialect{DialectPostgres, DialectMySQL, DialectSQLite} {
		t.Run(string(d), func(t *testing.T) {
			migrations, err := availableMigrations(d)
			require.NoError(t, err)
			require.NotEmpty(t, migrations)
			assert.Equal(t, "create_workflow_tables", migrations[0].Name)
			for i := 1; i < len(migrations); i++ {
				assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
			}
		})
	}

	_, err := availableMigrations("oracle")
	assert.Error(t, err)
}

func TestConsole(t *testing.T) {
	m := newSQLiteMigrator(t, nil)
	ctx := context.Background()
	var out bytes.Buffer
	console := NewConsole(m, &out)

	require.NoError(t, console.Run(ctx, Command{Op: OpVersion}))
	assert.Contains(t, out.String(), "No migrations applied yet")

	out.Reset()
	require.NoError(t, console.Run(ctx, Command{Op: OpUp}))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, console.Run(ctx, Command{Op: OpStatus}))
	assert.Contains(t, out.String(), "create_workflow_tables")
	assert.Contains(t, out.String(), "applied")
	assert.Contains(t, out.String(), "Total: 1, Applied: 1, Pending: 0")

	out.Reset()
	require.NoError(t, console.Run(ctx, Command{Op: OpVerify}))
	assert.Equal(t, "Schema OK\n", out.String())

	assert.Error(t, console.Run(ctx, Command{Op: OpGoto, Version: -1}))
	assert.ErrorIs(t, console.Run(ctx, Command{Op: "sideways"}), ErrUnknownOp)
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("goto")
	require.NoError(t, err)
	assert.True(t, op.NeedsVersion())

	op, err = ParseOp("status")
	require.NoError(t, err)
	assert.False(t, op.NeedsVersion())

	_, err = ParseOp("drop")
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestNewMigratorFromConfig(t *testing.T) {
	_, err := NewMigratorFromConfig(nil, nil)
	assert.Error(t, err)

	cfg := appconfig.DefaultConfig()
	_, err = NewMigratorFromConfig(cfg, nil)
	assert.ErrorContains(t, err, "no schema to migrate")

	cfg.Store.Driver = "database"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "cfg.db")
	m, err := NewMigratorFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Up(context.Background()))

	cfg.Database.Driver = "oracle"
	_, err = NewMigratorFromConfig(cfg, nil)
	assert.Error(t, err)
}
