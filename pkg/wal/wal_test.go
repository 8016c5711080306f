package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	ID  int    `json:"id"`
	Msg string `json:"msg"`
}

func readEntries(t *testing.T, w *WAL) []entry {
	t.Helper()
	var out []entry
	require.NoError(t, w.ReadAll(func(raw []byte) error {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}))
	return out
}

func TestWAL_WriteAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "test.wal")
	w, err := NewWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Write(entry{ID: 1, Msg: "a"}))
	require.NoError(t, w.Write(entry{ID: 2, Msg: "b"}))
	require.NoError(t, w.Close())

	w, err = NewWAL(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []entry{{1, "a"}, {2, "b"}}, readEntries(t, w))

	// 讀完之後仍然追加在檔尾
	require.NoError(t, w.Write(entry{ID: 3, Msg: "c"}))
	assert.Len(t, readEntries(t, w), 3)
}

func TestWAL_TornTailIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":1,\"msg\":\"a\"}\n{\"id\":2,\"ms"), FileModePrivate))

	w, err := NewWAL(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []entry{{1, "a"}}, readEntries(t, w))
}

func TestWAL_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewrite.wal")
	w, err := NewWAL(path)
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Write(entry{ID: i}))
	}
	require.NoError(t, w.Rewrite([]any{entry{ID: 2}}))
	assert.Equal(t, []entry{{ID: 2}}, readEntries(t, w))

	require.NoError(t, w.Write(entry{ID: 4}))
	assert.Equal(t, []entry{{ID: 2}, {ID: 4}}, readEntries(t, w))
}
