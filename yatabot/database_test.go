package yatabot

import (
	"context"
	"errors"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, botID uint) (*GuildConfigStore, DBI) {
	t.Helper()
	db := newTestDBI(t)
	return NewGuildConfigStore(db, botID, nil), db
}

func TestGuildConfigStore_GetSet(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, DefaultBotID)
	ctx := context.Background()

	_, found, err := store.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.False(t, found)

	cfg := Configuration{
		ModuleAdmin: {adminKeyPrefix: map[string]any{"!": "!"}},
		ModuleLoot:  {"channels_alerts": map[string]any{"1": "loot"}},
	}
	require.NoError(t, store.Set(ctx, testGuildID, "YATA", cfg))

	stored, found, err := store.Get(ctx, testGuildID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cfg, stored)

	cfg[ModuleLoot] = ModuleConfig{}
	require.NoError(t, store.Set(ctx, testGuildID, "YATA renamed", cfg))

	recs, err := store.ListGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "YATA renamed", recs[0].GuildName)
	assert.Nil(t, recs[0].Variables)

	stored, _, err = store.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, stored[ModuleLoot])
}

func TestGuildConfigStore_BotIsolation(t *testing.T) {
	t.Parallel()
	db := newTestDBI(t)
	ctx := context.Background()
	main := NewGuildConfigStore(db, 1, nil)
	hosted := NewGuildConfigStore(db, 2, nil)

	require.NoError(t, main.Set(ctx, testGuildID, "YATA", Configuration{ModuleAdmin: {"a": "main"}}))
	require.NoError(t, hosted.Set(ctx, testGuildID, "YATA", Configuration{ModuleAdmin: {"a": "hosted"}}))
	require.NoError(t, hosted.Set(ctx, testOtherGuildID, "Other", Configuration{}))

	mainConfigs, err := main.LoadConfigurations(ctx)
	require.NoError(t, err)
	require.Len(t, mainConfigs, 1)
	assert.Equal(t, "main", mainConfigs[testGuildID][ModuleAdmin]["a"])

	hostedConfigs, err := hosted.LoadConfigurations(ctx)
	require.NoError(t, err)
	assert.Len(t, hostedConfigs, 2)
	assert.Equal(t, "hosted", hostedConfigs[testGuildID][ModuleAdmin]["a"])
	assert.NotNil(t, hostedConfigs[testOtherGuildID])
}

func TestGuildConfigStore_ServerAdmins(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, DefaultBotID)
	ctx := context.Background()

	admins, secret, err := store.GetServerAdmins(ctx, testGuildID)
	require.NoError(t, err)
	assert.Empty(t, admins)
	assert.Empty(t, secret)

	err = store.SetServerAdmins(ctx, testGuildID, map[string]ServerAdmin{}, "")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, store.Set(ctx, testGuildID, "YATA", Configuration{}))
	want := map[string]ServerAdmin{testAdminUserID: {Name: "Kivou", TornID: 2000607}}
	require.NoError(t, store.SetServerAdmins(ctx, testGuildID, want, "s3cret"))

	admins, secret, err = store.GetServerAdmins(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, want, admins)
	assert.Equal(t, "s3cret", secret)

	// a sync doesn't touch the dashboard-owned columns
	require.NoError(t, store.Set(ctx, testGuildID, "YATA", Configuration{ModuleAdmin: {"x": "y"}}))
	admins, secret, err = store.GetServerAdmins(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, want, admins)
	assert.Equal(t, "s3cret", secret)
}

func TestGuildConfigStore_SetNServers(t *testing.T) {
	t.Parallel()
	store, db := newTestStore(t, 7)
	ctx := context.Background()

	require.NoError(t, store.SetNServers(ctx, 3))
	require.NoError(t, store.SetNServers(ctx, 5))

	var instances []BotInstance
	require.NoError(t, db.DB().Find(&instances).Error)
	require.Len(t, instances, 1)
	assert.Equal(t, uint(7), instances[0].BotID)
	assert.Equal(t, 5, instances[0].NServers)
}

func TestGuildConfigStore_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, DefaultBotID)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Set(ctx, testGuildID, "YATA", Configuration{ModuleAdmin: {"n": float64(i)}})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	recs, err := store.ListGuilds(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// newMockStore returns a GuildConfigStore over a postgres dialector
// backed by sqlmock
func newMockStore(t *testing.T) (*GuildConfigStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(
		postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}),
		&gorm.Config{Logger: logger.Discard},
	)
	require.NoError(t, err)
	return NewGuildConfigStore(NewDatabase(db, nil, true), DefaultBotID, nil), mock
}

func TestGuildConfigStore_Unavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	connErr := errors.New("connection reset by peer")

	t.Run(
		"get", func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery(`SELECT \* FROM "guild_configurations"`).WillReturnError(connErr)

			_, _, err := store.Get(ctx, testGuildID)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.ErrorIs(t, err, connErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		},
	)

	t.Run(
		"set", func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectQuery(`INSERT INTO "guild_configurations"`).WillReturnError(connErr)
			mock.ExpectRollback()

			err := store.Set(ctx, testGuildID, "YATA", Configuration{})
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.NoError(t, mock.ExpectationsWereMet())
		},
	)

	t.Run(
		"load", func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery(`SELECT \* FROM "guild_configurations"`).WillReturnError(connErr)

			_, err := store.LoadConfigurations(ctx)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.NoError(t, mock.ExpectationsWereMet())
		},
	)

	t.Run(
		"server admins", func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery(`SELECT \* FROM "guild_configurations"`).WillReturnError(connErr)

			_, _, err := store.GetServerAdmins(ctx, testGuildID)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.NoError(t, mock.ExpectationsWereMet())
		},
	)
}

func TestConfigSyncer_StoreUnavailable(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "guild_configurations"`).WillReturnError(errors.New("timeout"))

	cache := NewConfigCache()
	cache.Replace(testGuildID, Configuration{ModuleAdmin: {"a": "b"}})
	syncer := NewConfigSyncer(store, store, cache, nil)

	_, err := syncer.Sync(context.Background(), testMetadata(), "")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	cached, _ := cache.Get(testGuildID)
	assert.Equal(t, Configuration{ModuleAdmin: {"a": "b"}}, cached)
}

func TestCreateDB(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", "db.sqlite3")
	db := setupTestDB(t, path)
	for _, model := range []any{&GuildConfiguration{}, &BotInstance{}, &RuntimeConfig{}, &CommandLog{}} {
		assert.True(t, db.Migrator().HasTable(model))
	}
	require.NoError(t, configureSQLite(context.Background(), db))

	_, err := CreateDB(context.Background(), "mysql", path)
	assert.Error(t, err)
}
