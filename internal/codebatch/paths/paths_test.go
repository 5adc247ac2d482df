package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeNormalizesSeparatorsAndDots(t *testing.T) {
	got, err := Canonicalize(`a\b/./c`, "")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", got)
}

func TestCanonicalizeResolvesParentSegments(t *testing.T) {
	got, err := Canonicalize("a/b/../c", "")
	require.NoError(t, err)
	assert.Equal(t, "a/c", got)
}

func TestCanonicalizeEscapeAboveRootIsRejected(t *testing.T) {
	_, err := Canonicalize("src/../../escape.txt", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errEscape())
}

func TestCanonicalizeRejectsInvalidChars(t *testing.T) {
	_, err := Canonicalize("a<b>.txt", "")
	require.Error(t, err)
}

func TestCanonicalizeRejectsReservedNames(t *testing.T) {
	_, err := Canonicalize("a/CON.txt", "")
	require.Error(t, err)
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	first, err := Canonicalize("a/b/c.py", "")
	require.NoError(t, err)
	second, err := Canonicalize(first, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPathKeyIsLowercase(t *testing.T) {
	assert.Equal(t, "a/b.py", PathKey("A/B.py"))
}

func TestDetectCaseCollisions(t *testing.T) {
	collisions := DetectCaseCollisions([]string{"A/B.py", "a/b.py", "c.py"})
	require.Len(t, collisions, 1)
	assert.ElementsMatch(t, []string{"A/B.py", "a/b.py"}, []string{collisions[0].A, collisions[0].B})
}

func errEscape() error {
	_, err := Canonicalize("..", "")
	return err
}
