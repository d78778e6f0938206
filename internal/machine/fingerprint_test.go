package machine

import (
	"errors"
	"net"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserver/internal/shared/testutil"
)

func fakeSources(hostname, mac string) Sources {
	hw, _ := net.ParseMAC(mac)
	return Sources{
		Hostname: func() (string, error) { return hostname, nil },
		Interfaces: func() ([]net.Interface, error) {
			return []net.Interface{
				{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
				{Name: "eth0", Flags: net.FlagUp, HardwareAddr: hw},
			}, nil
		},
		CPUInfo: func() (string, error) { return "model name : Test CPU", nil },
		GOOS:    "linux",
		GOARCH:  "amd64",
	}
}

func TestGenerate_Stable(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	a := NewFingerprinter(fakeSources("Host-A", "aa:bb:cc:dd:ee:ff"), logger).Generate()
	b := NewFingerprinter(fakeSources("host-a ", "aa:bb:cc:dd:ee:ff"), logger).Generate()

	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{32}$`), a.MachineID)
	assert.Equal(t, a.MachineID, b.MachineID, "hostname is normalized")
	assert.Equal(t, "host-a", a.Hostname)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", a.MACAddress)
	assert.Equal(t, "linux", a.OS)
}

func TestGenerate_DiffersPerHost(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	a := NewFingerprinter(fakeSources("host-a", "aa:bb:cc:dd:ee:ff"), logger).MachineID()
	b := NewFingerprinter(fakeSources("host-b", "aa:bb:cc:dd:ee:ff"), logger).MachineID()
	c := NewFingerprinter(fakeSources("host-a", "11:22:33:44:55:66"), logger).MachineID()

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGenerate_Cached(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	calls := 0
	src := fakeSources("host", "aa:bb:cc:dd:ee:ff")
	src.Hostname = func() (string, error) {
		calls++
		return "host", nil
	}

	f := NewFingerprinter(src, logger)
	first := f.Generate()
	first.MachineID = "mutated"
	second := f.Generate()

	assert.Equal(t, 1, calls)
	assert.NotEqual(t, "mutated", second.MachineID)
}

func TestGenerate_FallbacksWhenFactorsMissing(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	src := Sources{
		Hostname:   func() (string, error) { return "", errors.New("no hostname") },
		Interfaces: func() ([]net.Interface, error) { return nil, nil },
		GOOS:       "plan9",
		GOARCH:     "386",
	}

	fp := NewFingerprinter(src, logger).Generate()
	require.Len(t, fp.MachineID, IDLength)
	assert.Equal(t, "unknown-mac", fp.MACAddress)
	assert.Equal(t, "unknown-host", fp.Hostname)
	assert.True(t, handler.ContainsMessage("failed to get MAC address"))
	assert.True(t, handler.ContainsMessage("failed to get hostname"))

	again := NewFingerprinter(src, logger).Generate()
	assert.Equal(t, fp.MachineID, again.MachineID)
}

func TestMACAddress_FallsBackToDownInterface(t *testing.T) {
	hw, _ := net.ParseMAC("de:ad:be:ef:00:01")
	src := fakeSources("host", "aa:bb:cc:dd:ee:ff")
	src.Interfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "eth0", Flags: 0, HardwareAddr: hw},
			{Name: "dummy", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 0}},
		}, nil
	}

	mac, err := NewFingerprinter(src, nil).macAddress()
	require.NoError(t, err)
	assert.Equal(t, "de:ad:be:ef:00:01", mac)
}
