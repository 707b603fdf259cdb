package compatible

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapCompareAndDelete(t *testing.T) {
	t.Parallel()
	m := New[string, *int]()
	first, second := new(int), new(int)
	m.Store("a", first)
	require.False(t, m.CompareAndDelete("a", second))
	require.True(t, m.CompareAndDelete("a", first))
	_, loaded := m.Load("a")
	require.False(t, loaded)
}

func TestMapDrain(t *testing.T) {
	t.Parallel()
	m := New[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	require.Equal(t, 2, m.Len())
	require.ElementsMatch(t, []int{1, 2}, m.Drain())
	require.Zero(t, m.Len())
}
