package pubkey

import (
	"context"
	"testing"
	"time"

	"secure_exchange/internal/model"

	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryRepo()
	now := time.Now()

	rec, err := dir.Get(ctx, "0xaa")
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, dir.Put(ctx, &model.PublicKeyRecord{Address: "0xaa", EncryptionPublicKey: "0x02new", UpdatedAt: now}))
	require.NoError(t, dir.Put(ctx, &model.PublicKeyRecord{Address: "0xaa", EncryptionPublicKey: "0x02old", UpdatedAt: now.Add(-time.Minute)}))

	rec, err = dir.Get(ctx, "0xaa")
	require.NoError(t, err)
	require.Equal(t, "0x02new", rec.EncryptionPublicKey)
}
