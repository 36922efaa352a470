package addrfilter_test

import (
	"net"
	"testing"

	"github.com/romshark/stdin2tcp/internal/addrfilter"

	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	t.Parallel()

	f, err := addrfilter.New([]string{"127.0.0.1", "192.168.*.*", "10.**"})
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1", "192.168.*.*", "10.**"}, f.Patterns())

	for _, td := range []struct {
		ip     string
		expect bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.2", false},
		{"192.168.1.5", true},
		{"192.168.1", false},
		{"192.169.1.5", false},
		{"10.0.0.1", true},
		{"10.200.3.4", true},
		{"11.0.0.1", false},
	} {
		t.Run(td.ip, func(t *testing.T) {
			require.Equal(t, td.expect, f.AllowIP(td.ip))
			addr := &net.TCPAddr{IP: net.ParseIP(td.ip), Port: 1234}
			if addr.IP != nil {
				require.Equal(t, td.expect, f.Allow(addr))
			}
		})
	}
}

func TestFilterEmpty(t *testing.T) {
	t.Parallel()

	f, err := addrfilter.New(nil)
	require.NoError(t, err)
	require.True(t, f.AllowIP("8.8.8.8"))
	require.True(t, f.Allow(nil))

	var nilFilter *addrfilter.Filter
	require.True(t, nilFilter.AllowIP("8.8.8.8"))
}

func TestFilterNonTCPAddr(t *testing.T) {
	t.Parallel()

	f, err := addrfilter.New([]string{"127.0.0.*"})
	require.NoError(t, err)
	require.True(t, f.Allow(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 9), Port: 1}))
	require.False(t, f.Allow(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
	require.False(t, f.Allow(nil))
}

func TestFilterInvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := addrfilter.New([]string{"127.0.0.1", "[10.0"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "at index 1")
}
