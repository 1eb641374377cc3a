package main

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-service/internal/clients"
	"github.com/akylbek/payment-system/payment-service/internal/config"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
)

func TestResources_CloseInReverseOrder(t *testing.T) {
	var order []int
	res := &resources{}
	res.onClose(func() error { order = append(order, 1); return nil })
	res.onClose(func() error { order = append(order, 2); return errors.New("boom") })
	res.onClose(func() error { order = append(order, 3); return nil })

	res.Close()
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestBuildClients_DefaultsToNoop(t *testing.T) {
	res := &resources{}
	defer res.Close()

	out, err := buildClients(&config.Config{}, res)
	require.NoError(t, err)

	assert.IsType(t, &clients.Noop{}, out.Orders)
	assert.IsType(t, &clients.Noop{}, out.Inventory)
	assert.IsType(t, &clients.Noop{}, out.Notifications)
	assert.IsType(t, &clients.Noop{}, out.Events)
	assert.Empty(t, res.closers)
}

func TestBuildClients_HTTPCollaborators(t *testing.T) {
	res := &resources{}
	defer res.Close()

	out, err := buildClients(&config.Config{
		OrderServiceURL:        "http://orders:8082",
		InventoryServiceURL:    "http://inventory:8084",
		NotificationServiceURL: "http://notifications:8087",
	}, res)
	require.NoError(t, err)

	assert.IsType(t, &clients.OrderClient{}, out.Orders)
	assert.IsType(t, &clients.InventoryClient{}, out.Inventory)
	assert.IsType(t, &clients.NotificationClient{}, out.Notifications)
	assert.IsType(t, &clients.Noop{}, out.Events)
}

func TestOpenStore_Memory(t *testing.T) {
	res := &resources{}
	defer res.Close()

	store, err := openStore(context.Background(), &config.Config{StorageDriver: config.StorageMemory}, res)
	require.NoError(t, err)
	assert.IsType(t, &repository.MemoryRepository{}, store)
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	t.Run("unset", func(t *testing.T) {
		assert.Nil(t, connectRedis(context.Background(), &config.Config{}, &resources{}))
	})

	t.Run("address", func(t *testing.T) {
		res := &resources{}
		defer res.Close()
		client := connectRedis(context.Background(), &config.Config{RedisURL: mr.Addr()}, res)
		require.NotNil(t, client)
		assert.Len(t, res.closers, 1)
	})

	t.Run("url", func(t *testing.T) {
		res := &resources{}
		defer res.Close()
		client := connectRedis(context.Background(), &config.Config{RedisURL: "redis://" + mr.Addr() + "/0"}, res)
		assert.NotNil(t, client)
	})

	t.Run("unreachable", func(t *testing.T) {
		res := &resources{}
		assert.Nil(t, connectRedis(context.Background(), &config.Config{RedisURL: "127.0.0.1:1"}, res))
		assert.Empty(t, res.closers)
	})
}
