package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCancellationRegistryCancelToken(t *testing.T) {
	reg := NewCancellationRegistry()
	id := uuid.New()

	ctx := reg.CreateToken(id, context.Background())
	assert.NoError(t, ctx.Err())

	reg.CancelTokenForTask(id)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("token not cancelled")
	}
}

func TestCancellationRegistryLinkedToHost(t *testing.T) {
	reg := NewCancellationRegistry()
	host, cancelHost := context.WithCancel(context.Background())

	ctx := reg.CreateToken(uuid.New(), host)
	cancelHost()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("host cancellation did not propagate")
	}
}

func TestCancellationRegistryDeleteIsIdempotent(t *testing.T) {
	reg := NewCancellationRegistry()
	id := uuid.New()
	reg.CreateToken(id, context.Background())

	reg.Delete(id)
	reg.Delete(id)
	reg.CancelTokenForTask(id) // unknown ids are ignored
}

func TestCancellationRegistryBlacklistConsumesMark(t *testing.T) {
	reg := NewCancellationRegistry()
	id := uuid.New()

	assert.False(t, reg.Blacklisted(id))
	reg.Blacklist(id)
	assert.True(t, reg.Blacklisted(id))
	assert.False(t, reg.Blacklisted(id))
}
