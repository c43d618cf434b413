package viz

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/stock-sync/pkg/store"
)

func history(t *testing.T) []Step {
	t.Helper()
	st, err := store.New("5e01")
	require.NoError(t, err)
	require.NoError(t, st.Transact(store.OriginInit, func(tx *store.Txn) error {
		tx.Set("stock", 20)
		return nil
	}))
	require.NoError(t, st.Transact(store.ClientOrigin("client-a"), func(tx *store.Txn) error {
		tx.Set("stock", 17)
		return nil
	}))
	steps, err := History(st.EncodeState(), "stock")
	require.NoError(t, err)
	return steps
}

func TestHistory_ValuesAndOrigins(t *testing.T) {
	steps := history(t)
	require.Len(t, steps, 2)

	assert.Equal(t, "init", steps[0].Origin)
	assert.Equal(t, int64(20), steps[0].Value)
	assert.Empty(t, steps[0].Deps)
	assert.Equal(t, "5e01", steps[0].Actor)
	assert.Equal(t, uint64(1), steps[0].Seq)

	assert.Equal(t, "client:client-a", steps[1].Origin)
	assert.Equal(t, int64(17), steps[1].Value)
	assert.Equal(t, []string{steps[0].Hash}, steps[1].Deps)
}

func TestHistory_MissingKey(t *testing.T) {
	st, err := store.New("5e01")
	require.NoError(t, err)
	require.NoError(t, st.Transact(store.OriginInit, func(tx *store.Txn) error {
		tx.Set("other", 1)
		return nil
	}))
	steps, err := History(st.EncodeState(), "stock")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Nil(t, steps[0].Value)
	assert.Contains(t, steps[0].Label(), "null")
}

func TestHistory_Garbage(t *testing.T) {
	_, err := History([]byte("not a doc"), "stock")
	assert.Error(t, err)
}

func TestWriteDOT(t *testing.T) {
	steps := history(t)
	buf := new(bytes.Buffer)
	require.NoError(t, WriteDOT(buf, steps))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, `digraph "log" {`))
	assert.Contains(t, out, `"`+steps[0].Hash+`" -> "`+steps[1].Hash+`"`)
	assert.Contains(t, out, "client:client-a 17")
	assert.Contains(t, out, "init 20")
}

func TestRenderSvg(t *testing.T) {
	steps := history(t)
	path := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, RenderSvg(steps, path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}
