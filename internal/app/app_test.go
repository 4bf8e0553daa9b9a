package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
	"github.com/shiftdesk/shiftdesk/internal/cache/service"
	"github.com/shiftdesk/shiftdesk/internal/config"
	"github.com/shiftdesk/shiftdesk/internal/session"
)

func testConfig(t *testing.T, mode service.Mode) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = string(mode)
	cfg.DB.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Sync.Interval = time.Hour
	return cfg
}

func TestCachedModeWiring(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, service.ModeCached), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Daemon)
	require.NotNil(t, a.Sync)
	assert.IsType(t, &service.Cached{}, a.Service)
	assert.IsType(t, &remote.Memory{}, a.Remote)
	assert.IsType(t, &session.Memory{}, a.Sessions)
	assert.Nil(t, a.Dashboard)

	require.NoError(t, a.Start(ctx))

	task, err := a.Service.CreateTask(ctx, &schema.Task{Title: "X", AssigneeID: "42", CreatorID: "7"})
	require.NoError(t, err)
	assert.False(t, task.Synced)

	_, err = a.Daemon.TriggerPass(ctx)
	require.NoError(t, err)

	got, err := a.Service.GetTask(ctx, schema.Local(task.LocalID))
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.NotEmpty(t, got.RemoteID)
	assert.Equal(t, 1, a.Remote.(*remote.Memory).Len(schema.KindTask))
}

func TestCloseDrainsQueue(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, service.ModeCached), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	_, err = a.Service.SubmitReport(ctx, &schema.Report{OwnerID: "42", Date: "2024-01-10", Completed: "inventory"})
	require.NoError(t, err)

	mem := a.Remote.(*remote.Memory)
	require.NoError(t, a.Close())
	assert.Equal(t, 1, mem.Len(schema.KindReport))
}

func TestLocalModeHasNoRemote(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, service.ModeLocal), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Remote)
	assert.Nil(t, a.Sync)
	assert.Nil(t, a.Daemon)
	assert.IsType(t, &service.Local{}, a.Service)
	require.NoError(t, a.Start(ctx))
}

func TestDirectMode(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, service.ModeDirect), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Daemon)
	assert.IsType(t, &service.Direct{}, a.Service)

	acc, err := a.Service.SaveAccount(ctx, &schema.Account{ExternalID: "42", Name: "Olena", Active: true})
	require.NoError(t, err)
	assert.True(t, acc.Synced)
	assert.Equal(t, 1, a.Remote.(*remote.Memory).Len(schema.KindAccount))
}

func TestDashboardEnabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, service.ModeCached)
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Addr = "127.0.0.1:0"

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Dashboard)
	require.NoError(t, a.Start(ctx))
	assert.NotEqual(t, "127.0.0.1:0", a.Dashboard.GetAddr())
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig(t, service.ModeCached)
	cfg.Remote.Driver = "mysql"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.driver")
}

func TestApplyConfig(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, service.ModeCached), nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	prev := a.Config
	next := *prev
	next.Sync.Interval = 10 * time.Minute
	assert.NoError(t, a.ApplyConfig(prev, &next))

	// Unchanged interval is a no-op.
	assert.NoError(t, a.ApplyConfig(&next, &next))
}

func TestSessionsUsable(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, service.ModeLocal), nil)
	require.NoError(t, err)
	defer a.Close()

	st, err := a.Sessions.Begin(ctx, "42", "report", "completed")
	require.NoError(t, err)
	assert.Equal(t, "report", st.Flow)

	require.NoError(t, a.Sessions.End(ctx, "42"))
	_, err = a.Sessions.Get(ctx, "42")
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestPostgresConfigUsesRemoteTimeout(t *testing.T) {
	cfg := config.Default().Remote
	cfg.DSN = "postgres://localhost/shiftdesk"
	cfg.Timeout = 3 * time.Second

	pg := postgresConfig(cfg)
	assert.Equal(t, cfg.DSN, pg.DSN)
	assert.Equal(t, 3*time.Second, pg.Timeout)
	assert.Equal(t, remote.DefaultPostgresConfig(cfg.DSN).Attempts, pg.Attempts)
}
