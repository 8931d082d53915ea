package rotation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNthSendUsesExpectedEndpoint(t *testing.T) {
	for _, tc := range []struct {
		endpoints int
		k         int
	}{
		{1, 1}, {2, 1}, {3, 2}, {4, 5}, {2, 3},
	} {
		eps := make([]string, tc.endpoints)
		for i := range eps {
			eps[i] = string(rune('a' + i))
		}
		r := New(eps, tc.k)
		for n := 1; n <= 40; n++ {
			_, idx, _ := r.Next()
			want := ((n - 1) / tc.k) % tc.endpoints
			require.Equalf(t, want, idx, "E=%d k=%d n=%d", tc.endpoints, tc.k, n)
		}
	}
}

func TestThreeRecipientsTwoEndpointsOnePerEndpoint(t *testing.T) {
	r := New([]string{"ep0", "ep1"}, 1)
	var seq []int
	var switches []bool
	for i := 0; i < 3; i++ {
		_, idx, sw := r.Next()
		seq = append(seq, idx)
		switches = append(switches, sw)
	}
	require.Equal(t, []int{0, 1, 0}, seq)
	require.Equal(t, []bool{false, true, true}, switches)
}

func TestZeroLimitNeverRotates(t *testing.T) {
	r := New([]string{"a", "b"}, 0)
	for i := 0; i < 10; i++ {
		id, _, sw := r.Next()
		require.Equal(t, "a", id)
		require.False(t, sw)
	}
}

func TestEmptyPool(t *testing.T) {
	id, idx, _ := New(nil, 3).Next()
	require.Empty(t, id)
	require.Equal(t, -1, idx)
}
