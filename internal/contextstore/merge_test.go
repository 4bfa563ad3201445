package contextstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_LaterWins(t *testing.T) {
	out, err := Merge([]byte(`{"n":1,"a":"x"}`), []byte(`{"n":2}`))
	require.NoError(t, err)

	n, _ := Get(out, "n")
	a, _ := Get(out, "a")
	require.Equal(t, int64(2), n.Int())
	require.Equal(t, "x", a.String())
}

func TestMerge_EmptyInputs(t *testing.T) {
	out, err := Merge()
	require.NoError(t, err)
	require.JSONEq(t, "{}", string(out))
}

func TestMerge_SkipsEmptyContexts(t *testing.T) {
	out, err := Merge(nil, []byte(`{"a":1}`), []byte{})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))
}

func TestGet_MissingKeyIsAbsent(t *testing.T) {
	_, ok := Get([]byte(`{"a":1}`), "b")
	require.False(t, ok)
}
