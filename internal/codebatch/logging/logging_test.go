package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDisabledIsNoopAndDoesNotCreateDir(t *testing.T) {
	defer CloseAll()
	root := t.TempDir()
	require.NoError(t, Initialize(root, false))

	l := Get(CategoryStore)
	l.Info("should not be written", nil)

	_, err := os.Stat(filepath.Join(root, ".codebatch", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestInitializeEnabledWritesJSONLine(t *testing.T) {
	defer CloseAll()
	root := t.TempDir()
	require.NoError(t, Initialize(root, true))

	l := Get(CategoryGate)
	l.Info("gate ran", map[string]interface{}{"gate_id": "store-layout"})

	entries, err := os.ReadDir(filepath.Join(root, ".codebatch", "logs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "gate")

	data, err := os.ReadFile(filepath.Join(root, ".codebatch", "logs", entries[0].Name()))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"cat":"gate"`))
	assert.True(t, strings.Contains(string(data), `"gate_id":"store-layout"`))
}

func TestGetReturnsSameLoggerForSameCategory(t *testing.T) {
	defer CloseAll()
	require.NoError(t, Initialize(t.TempDir(), true))

	a := Get(CategoryBatch)
	b := Get(CategoryBatch)
	assert.Same(t, a, b)
}

func TestCloseAllAllowsReinitialize(t *testing.T) {
	root1 := t.TempDir()
	require.NoError(t, Initialize(root1, true))
	Get(CategoryShard).Info("first", nil)
	CloseAll()

	root2 := t.TempDir()
	require.NoError(t, Initialize(root2, true))
	defer CloseAll()
	Get(CategoryShard).Info("second", nil)

	entries, err := os.ReadDir(filepath.Join(root2, ".codebatch", "logs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
