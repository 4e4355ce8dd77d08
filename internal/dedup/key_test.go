package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "  Joe's   Café ", want: "joes café"},
		{in: "JOE'S CAFÉ", want: "joes café"},
		{in: "12 Main St., Ada, OK", want: "12 main st ada ok"},
		{in: "Smith-Jones Bakery", want: "smith jones bakery"},
		{in: "Ｆｕｌｌｗｉｄｔｈ", want: "fullwidth"},
		{in: "Tab\tand\nnewline", want: "tab and newline"},
		{in: "!!!", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	a := Key("Joe's Café", "12 Main St.")
	b := Key("joes  café", "12 MAIN ST")
	require.Equal(t, a, b)

	name, address := a.Parts()
	require.Equal(t, "joes café", name)
	require.Equal(t, "12 main st", address)

	require.NotEqual(t, Key("Joe's", "12 Main St"), Key("Joe's", "14 Main St"))
	require.Empty(t, Key("", "12 Main St"))
	require.Empty(t, Key("Joe's", ""))
	require.Len(t, a.Digest(), 64)
}
