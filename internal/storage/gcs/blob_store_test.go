package gcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "snapshots"})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		name   string
		want   string
		err    bool
	}{
		{prefix: "", name: "runs/r1/state.json", want: "runs/r1/state.json"},
		{prefix: "mapmonkey", name: "/runs/r1/state.json", want: "mapmonkey/runs/r1/state.json"},
		{prefix: "a/b", name: "state.json", want: "a/b/state.json"},
		{prefix: "mapmonkey", name: " / ", err: true},
	}
	for _, tc := range cases {
		got, err := objectName(tc.prefix, tc.name)
		if tc.err {
			require.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}
