package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/config"
	"subscription-reconciler/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := client.InitDBClient(config.Database{
		Driver: "sqlite",
		URL:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

func seedUser(t *testing.T, repo UserRepository, id string, sub model.UserSubscription) *model.User {
	t.Helper()

	u := &model.User{
		ID:           id,
		Email:        id + "@example.com",
		FirstName:    "Test",
		Subscription: sub,
	}
	require.NoError(t, repo.Create(context.Background(), u))
	return u
}
