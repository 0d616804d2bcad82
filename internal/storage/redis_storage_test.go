package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-gateway/internal/business/chargepoint"
	"github.com/charging-platform/ocpp-gateway/internal/storage"
)

var (
	_ storage.ConnectionStorage = (*storage.RedisStorage)(nil)
	_ chargepoint.PresenceStore = (*storage.RedisStorage)(nil)
)

func TestRedisStorage_SetGetDeleteConnection(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := storage.NewRedisStorage(db)
	ctx := context.Background()

	ttl := 5 * time.Minute
	key := "conn:CP001"

	mock.ExpectSet(key, "GW001#c-1", ttl).SetVal("OK")
	err := rdb.SetConnection(ctx, "CP001", "GW001", "c-1", ttl)
	require.NoError(t, err)

	// 读取时只返回Pod ID
	mock.ExpectGet(key).SetVal("GW001#c-1")
	gatewayID, err := rdb.GetConnection(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "GW001", gatewayID)

	mock.ExpectGet(key).SetErr(redis.Nil)
	gatewayID, err = rdb.GetConnection(ctx, "CP001")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Empty(t, gatewayID)

	mock.ExpectDel(key).SetVal(1)
	err = rdb.DeleteConnection(ctx, "CP001")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_GetConnection_LegacyValue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := storage.NewRedisStorage(db)

	mock.ExpectGet("conn:CP009").SetVal("GW009")
	gatewayID, err := rdb.GetConnection(context.Background(), "CP009")
	require.NoError(t, err)
	assert.Equal(t, "GW009", gatewayID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_DeleteConnectionIfOwner(t *testing.T) {
	tests := []struct {
		name        string
		reply       int64
		err         error
		wantDeleted bool
		wantErr     bool
	}{
		{name: "owner matches", reply: 1, wantDeleted: true},
		{name: "owned by newer connection", reply: 0, wantDeleted: false},
		{name: "redis error", err: errors.New("redis eval error"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := redismock.NewClientMock()
			rdb := storage.NewRedisStorage(db)

			expect := mock.ExpectEval(storage.DeleteIfOwnerScript, []string{"conn:CP001"}, "GW001#c-1")
			if tt.err != nil {
				expect.SetErr(tt.err)
			} else {
				expect.SetVal(tt.reply)
			}

			deleted, err := rdb.DeleteConnectionIfOwner(context.Background(), "CP001", "GW001", "c-1")
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantDeleted, deleted)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisStorage_SetConnection_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := storage.NewRedisStorage(db)

	expectedErr := errors.New("redis set error")
	mock.ExpectSet("conn:CP002", "GW002#c-2", 5*time.Minute).SetErr(expectedErr)
	err := rdb.SetConnection(context.Background(), "CP002", "GW002", "c-2", 5*time.Minute)
	assert.ErrorIs(t, err, expectedErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_DeleteConnection_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := storage.NewRedisStorage(db)

	expectedErr := errors.New("redis del error")
	mock.ExpectDel("conn:CP004").SetErr(expectedErr)
	err := rdb.DeleteConnection(context.Background(), "CP004")
	assert.ErrorIs(t, err, expectedErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_Close(t *testing.T) {
	db, mock := redismock.NewClientMock()
	rdb := storage.NewRedisStorage(db)

	err := rdb.Close()
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
