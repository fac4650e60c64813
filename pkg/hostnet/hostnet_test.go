package hostnet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvm/microvmctl/pkg/types"
)

func TestSubnetOf(t *testing.T) {
	assert.Equal(t, "172.16.5.0/30", subnetOf("172.16.5.1"))
	assert.Equal(t, "10.0.200.0/30", subnetOf("10.0.200.1"))
}

func TestRunCmd_WrapsFailureWithStderr(t *testing.T) {
	err := runCmd("sh", "-c", "echo boom >&2; exit 1")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCommandFailed))
	assert.Contains(t, err.Error(), "boom")
}

func TestRunCmd_SucceedsOnZeroExit(t *testing.T) {
	err := runCmd("true")
	assert.NoError(t, err)
}

func TestParseInetGateway(t *testing.T) {
	out := `3: fc-tenant-a: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500
    link/ether 02:00:00:00:00:01 brd ff:ff:ff:ff:ff:ff
    inet 172.16.5.1/30 brd 172.16.5.3 scope global fc-tenant-a`
	assert.Equal(t, "172.16.5.1", parseInetGateway(out))
}

func TestParseInetGateway_NoAddress(t *testing.T) {
	out := `4: fc-tenant-b: <BROADCAST,MULTICAST> mtu 1500
    link/ether 02:00:00:00:00:02 brd ff:ff:ff:ff:ff:ff`
	assert.Equal(t, "", parseInetGateway(out))
}

func TestDeleteArgsForMatches_FiltersAndTransformsOwnRules(t *testing.T) {
	listing := `-P FORWARD ACCEPT
-A FORWARD -i fc-tenant-a -o eth0 -j ACCEPT
-A FORWARD -i eth0 -o fc-tenant-a -m state --state RELATED,ESTABLISHED -j ACCEPT
-A FORWARD -i fc-tenant-b -o eth0 -j ACCEPT`

	got := deleteArgsForMatches(nil, "fc-tenant-a", listing)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"-D", "FORWARD", "-i", "fc-tenant-a", "-o", "eth0", "-j", "ACCEPT"}, got[0])
	assert.Equal(t, []string{"-D", "FORWARD", "-i", "eth0", "-o", "fc-tenant-a", "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}, got[1])
}

func TestDeleteArgsForMatches_PrefixesTableArgs(t *testing.T) {
	listing := `-A POSTROUTING -s 172.16.5.0/30 -o eth0 -j MASQUERADE`
	got := deleteArgsForMatches([]string{"-t", "nat"}, "172.16.5.0/30", listing)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"-t", "nat", "-D", "POSTROUTING", "-s", "172.16.5.0/30", "-o", "eth0", "-j", "MASQUERADE"}, got[0])
}
