package persist

import (
	"context"
	"testing"
	"time"

	"github.com/fjod/foodee-cart/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

func setupTestDB(t *testing.T) (*MongoStore, func()) {
	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	db, err := ConnectMongoDB(ctx, uri, "testdb")
	require.NoError(t, err)

	store := NewMongoStore(db, 24*time.Hour)
	require.NoError(t, store.CreateIndexes(ctx))

	cleanup := func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return store, cleanup
}

func TestMongoLoad_NotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	cart, err := store.Load(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.Nil(t, cart)
}

func TestMongoSave_ThenLoad(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := store.Save(ctx, &domain.Cart{
		SessionID: "sess-1",
		Items: []domain.CartItem{
			{ProductID: "1", Name: "Com tam", Image: "/img/1.png", Price: 45000, Quantity: 3},
		},
	})
	require.NoError(t, err)

	cart, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", cart.SessionID)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "Com tam", cart.Items[0].Name)
	assert.Equal(t, int64(45000), cart.Items[0].Price)
	assert.Equal(t, 3, cart.Items[0].Quantity)
}

func TestMongoSave_Overwrites(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.Cart{
		SessionID: "sess-1",
		Items:     []domain.CartItem{{ProductID: "1", Quantity: 1}, {ProductID: "2", Quantity: 1}},
	}))
	require.NoError(t, store.Save(ctx, &domain.Cart{
		SessionID: "sess-1",
		Items:     []domain.CartItem{{ProductID: "2", Quantity: 4}},
	}))

	cart, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "2", cart.Items[0].ProductID)
	assert.Equal(t, 4, cart.Items[0].Quantity)
}

func TestMongoDelete(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.Cart{SessionID: "sess-1"}))
	require.NoError(t, store.Delete(ctx, "sess-1"))

	_, err := store.Load(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "sess-1"), ErrCartNotFound)
}
