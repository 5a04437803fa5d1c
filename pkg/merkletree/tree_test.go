package merkletree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func leafHash(b byte) Hash {
	var h Hash
	h[0] = b
	return h
}

func TestAppendOrderAndRootChanges(t *testing.T) {
	tree := New()
	rootEmpty := tree.Root()

	pos0, root0, err := tree.Append(leafHash(1), false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos0)
	require.NotEqual(t, rootEmpty, root0)

	pos1, root1, err := tree.Append(leafHash(2), false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pos1)
	require.NotEqual(t, root0, root1)

	require.Equal(t, uint64(2), tree.Size())
}

func TestAuthPathVerifiesAgainstCurrentRoot(t *testing.T) {
	tree := New()

	_, _, err := tree.Append(leafHash(0xAA), true) // position 0, marked
	require.NoError(t, err)

	path, ok := tree.AuthPathFor(0)
	require.True(t, ok)
	require.True(t, VerifyAuthPath(leafHash(0xAA), path, tree.Root()))

	// Appending more leaves updates the bridge; the path must still verify
	// against the new current root.
	for i := byte(1); i <= 5; i++ {
		_, _, err := tree.Append(leafHash(i), false)
		require.NoError(t, err)
	}
	path, ok = tree.AuthPathFor(0)
	require.True(t, ok)
	require.True(t, VerifyAuthPath(leafHash(0xAA), path, tree.Root()))
}

func TestAuthPathRejectsWrongLeaf(t *testing.T) {
	tree := New()
	_, _, err := tree.Append(leafHash(0x01), true)
	require.NoError(t, err)

	path, ok := tree.AuthPathFor(0)
	require.True(t, ok)
	require.False(t, VerifyAuthPath(leafHash(0x02), path, tree.Root()))
}

func TestCloneIsIndependent(t *testing.T) {
	tree := New()
	_, _, err := tree.Append(leafHash(1), false)
	require.NoError(t, err)

	clone := tree.Clone()
	_, _, err = clone.Append(leafHash(2), false)
	require.NoError(t, err)

	require.Equal(t, uint64(1), tree.Size())
	require.Equal(t, uint64(2), clone.Size())
	require.NotEqual(t, tree.Root(), clone.Root())
}

func TestUnmarkDropsBridge(t *testing.T) {
	tree := New()
	_, _, err := tree.Append(leafHash(1), true)
	require.NoError(t, err)

	_, ok := tree.AuthPathFor(0)
	require.True(t, ok)

	tree.Unmark(0)
	_, ok = tree.AuthPathFor(0)
	require.False(t, ok)
}
