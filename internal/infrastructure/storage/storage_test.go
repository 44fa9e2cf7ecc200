package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/infrastructure/configloader"
)

func TestStores(t *testing.T) {
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "shared.db"), time.Second)
	require.NoError(t, err)

	stores := map[string]port.SharedStore{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set("k", "v1"))
			v, ok, err := s.Get("k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v1", v)

			require.NoError(t, s.Set("k", "v2"))
			v, _, _ = s.Get("k")
			assert.Equal(t, "v2", v)

			require.NoError(t, s.Delete("k"))
			_, ok, err = s.Get("k")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Delete("never-set"))
		})
	}
}

func TestBoltStoreSharedBetweenHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shared.db")

	a, err := NewBoltStore(path, time.Second)
	require.NoError(t, err)
	b, err := NewBoltStore(path, time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Set("wallet_send_lock_v1", `{"id":"a","t":1}`))

	v, ok, err := b.Get("wallet_send_lock_v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"a","t":1}`, v)

	require.NoError(t, b.Delete("wallet_send_lock_v1"))
	_, ok, err = a.Get("wallet_send_lock_v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewBoltStoreEmptyPath(t *testing.T) {
	_, err := NewBoltStore("", time.Second)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestOpen(t *testing.T) {
	s, err := Open(configloader.StorageConfig{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(configloader.StorageConfig{Driver: DriverBolt, Path: filepath.Join(t.TempDir(), "x.db"), OpenTimeoutMs: 500})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)

	_, err = Open(configloader.StorageConfig{Driver: "redis"})
	assert.Error(t, err)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()

	ch1, cancel1 := b.Subscribe("lock")
	ch2, cancel2 := b.Subscribe("lock")
	other, cancelOther := b.Subscribe("other")
	defer cancelOther()

	b.Publish("lock", "release")

	assert.Equal(t, "release", <-ch1)
	assert.Equal(t, "release", <-ch2)
	select {
	case msg := <-other:
		t.Fatalf("unexpected message on other topic: %s", msg)
	default:
	}

	cancel1()
	cancel1()
	b.Publish("lock", "release")
	select {
	case <-ch1:
		t.Fatal("cancelled subscriber received a message")
	default:
	}
	assert.Equal(t, "release", <-ch2)
	cancel2()

	// publishing with no subscribers must not block
	b.Publish("lock", "release")
}
