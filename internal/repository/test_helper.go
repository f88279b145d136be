package repository

import (
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

// Entities lists every table owned by this package, in creation order.
func Entities() []any {
	return []any{&EventEntity{}, &ReminderTemplateEntity{}, &ReminderInstanceEntity{}, &DeliveryLogEntity{}}
}

// OpenTestDB returns a migrated in-memory sqlite store for tests in this
// and dependent packages.
func OpenTestDB(t testing.TB) *pg.DB {
	return setupTestDB(t).DB
}

func setupTestDB(t testing.TB) *testDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	// every new connection would get its own empty :memory: database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Entities()...))

	return &testDB{
		DB:    pg.New(db, db),
		rawDB: db,
	}
}
