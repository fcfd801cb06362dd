package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlab/capture-cli/internal/model"
)

func TestKey(t *testing.T) {
	key := Key("cap-1", model.StageCardDetection, "att-9", "aligned.png")
	assert.Equal(t, "capture/cap-1/card_detection/att-9/aligned.png", key)

	assert.Equal(t, "capture/cap-1/upload/front", UploadKey("cap-1", "front"))
}

// openStores returns the drivers that must satisfy the same Put/Get/Exists
// contract.
func openStores(t *testing.T) map[string]Store {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fs,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := st.Put(ctx, "capture/c1/upload/front", []byte("png-bytes"), "image/png")
			require.NoError(t, err)

			got, err := st.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, []byte("png-bytes"), got)

			ok, err := st.Exists(ctx, "capture/c1/upload/front")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = st.Exists(ctx, "capture/c1/upload/side")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := st.Put(ctx, "capture/c1/card_detection/a1/crop.png", []byte("first"), "image/png")
			require.NoError(t, err)

			// A replayed stage writes the same key again; the original blob
			// must survive.
			second, err := st.Put(ctx, "capture/c1/card_detection/a1/crop.png", []byte("second"), "image/png")
			require.NoError(t, err)
			assert.Equal(t, first, second)

			got, err := st.Get(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), got)
		})
	}
}

func TestGetMissingRef(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(ctx, Ref("capture/nope/upload/front"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryWriteCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Put(ctx, "k1", []byte("a"), "")
	require.NoError(t, err)
	_, err = m.Put(ctx, "k1", []byte("b"), "")
	require.NoError(t, err)
	_, err = m.Put(ctx, "k2", []byte("c"), "")
	require.NoError(t, err)

	assert.Equal(t, 2, m.WriteCount())
}
