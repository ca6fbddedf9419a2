package addr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseUnix(t *testing.T) {
	a, err := Parse("unix:/var/run/sni.sock", 0)
	require.NoError(t, err)
	require.Equal(t, KindUnix, a.Kind)
	require.Equal(t, "/var/run/sni.sock", a.Path)
	require.True(t, a.IsUnix())
	require.True(t, a.IsSockaddr())
}

func TestParseIPv4(t *testing.T) {
	a, err := Parse("10.0.0.1", 443)
	require.NoError(t, err)
	require.Equal(t, KindIPv4, a.Kind)
	require.Equal(t, 443, a.Port)
	require.Equal(t, "10.0.0.1:443", a.String())
}

func TestParseBracketedIPv6WithPort(t *testing.T) {
	a, err := Parse("[::1]:8443", 0)
	require.NoError(t, err)
	require.Equal(t, KindIPv6, a.Kind)
	require.Equal(t, 8443, a.Port)
}

func TestParseBracketedIPv6WithoutPort(t *testing.T) {
	a, err := Parse("[::1]", 9000)
	require.NoError(t, err)
	require.Equal(t, KindIPv6, a.Kind)
	require.Equal(t, 9000, a.Port)
}

func TestParseHostname(t *testing.T) {
	a, err := Parse("backend.internal", 80)
	require.NoError(t, err)
	require.Equal(t, KindHostname, a.Kind)
	require.True(t, a.IsHostname())
	require.False(t, a.IsSockaddr())
}

func TestWithPort(t *testing.T) {
	a, err := Parse("10.0.0.1", 0)
	require.NoError(t, err)
	b := a.WithPort(9999)
	require.Equal(t, 9999, b.Port)
	require.Equal(t, 0, a.Port, "WithPort must not mutate the receiver")
}

func TestFamilyAndSockaddr(t *testing.T) {
	a, err := Parse("127.0.0.1", 1234)
	require.NoError(t, err)
	family, err := a.Family()
	require.NoError(t, err)
	require.Equal(t, unix.AF_INET, family)

	sa, err := a.Sockaddr()
	require.NoError(t, err)
	inet4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	require.Equal(t, 1234, inet4.Port)
	require.Equal(t, [4]byte{127, 0, 0, 1}, inet4.Addr)
}

func TestFamilyRejectsHostname(t *testing.T) {
	a, err := Parse("example.com", 80)
	require.NoError(t, err)
	_, err = a.Family()
	require.Error(t, err)
}

func TestFromSockaddrRoundTrip(t *testing.T) {
	a, err := Parse("192.168.1.1", 555)
	require.NoError(t, err)
	sa, err := a.Sockaddr()
	require.NoError(t, err)
	back := FromSockaddr(sa)
	require.Equal(t, KindIPv4, back.Kind)
	require.Equal(t, 555, back.Port)
	require.Equal(t, "192.168.1.1", back.IP.String())
}

func TestHostStripsPort(t *testing.T) {
	a, err := Parse("10.0.0.5", 443)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", a.Host())
	require.Equal(t, "10.0.0.5:443", a.String())
}
