// Package machine derives a stable Machine ID for the local host. The CLI
// sends it when activating a license so a key binds to one device.
package machine

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// IDLength is the number of hex characters in a Machine ID.
const IDLength = 32

// Fingerprint holds the host factors a Machine ID is derived from.
type Fingerprint struct {
	MachineID   string    `json:"machine_id"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Sources reads host facts. Tests replace them.
type Sources struct {
	Hostname   func() (string, error)
	Interfaces func() ([]net.Interface, error)
	CPUInfo    func() (string, error)
	GOOS       string
	GOARCH     string
}

// SystemSources reads the running host.
func SystemSources() Sources {
	return Sources{
		Hostname:   os.Hostname,
		Interfaces: net.Interfaces,
		CPUInfo:    readCPUInfo,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
	}
}

// Fingerprinter computes and caches the local fingerprint.
type Fingerprinter struct {
	src    Sources
	logger *slog.Logger

	mu     sync.Mutex
	cached *Fingerprint
}

func NewFingerprinter(src Sources, logger *slog.Logger) *Fingerprinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fingerprinter{src: src, logger: logger.With(slog.String("component", "machine_fingerprint"))}
}

// Generate returns the host fingerprint. Missing factors degrade to fixed
// placeholders so the ID stays stable on hosts that hide them.
func (f *Fingerprinter) Generate() *Fingerprint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		fp := *f.cached
		return &fp
	}

	mac, err := f.macAddress()
	if err != nil {
		mac = "unknown-mac"
		f.logger.Warn("failed to get MAC address, using fallback", slog.String("error", err.Error()))
	}

	hostname, err := f.hostname()
	if err != nil {
		hostname = "unknown-host"
		f.logger.Warn("failed to get hostname, using fallback", slog.String("error", err.Error()))
	}

	cpuID := f.cpuID()

	factors := strings.Join([]string{mac, hostname, cpuID, f.src.GOOS, f.src.GOARCH}, "|")
	sum := blake2b.Sum256([]byte(factors))

	fp := &Fingerprint{
		MachineID:   strings.ToUpper(hex.EncodeToString(sum[:IDLength/2])),
		Hostname:    hostname,
		MACAddress:  mac,
		CPUID:       cpuID,
		OS:          f.src.GOOS,
		Platform:    f.src.GOARCH,
		GeneratedAt: time.Now(),
	}
	f.cached = fp

	f.logger.Debug("machine fingerprint generated",
		slog.String("hostname", hostname),
		slog.String("os", fp.OS),
		slog.String("platform", fp.Platform))

	out := *fp
	return &out
}

// MachineID is shorthand for Generate().MachineID.
func (f *Fingerprinter) MachineID() string {
	return f.Generate().MachineID
}

// macAddress prefers an up, non-loopback interface and falls back to any
// interface with a hardware address.
func (f *Fingerprinter) macAddress() (string, error) {
	if f.src.Interfaces == nil {
		return "", fmt.Errorf("no interface source")
	}
	ifaces, err := f.src.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	usable := func(iface net.Interface) (string, bool) {
		if len(iface.HardwareAddr) == 0 {
			return "", false
		}
		mac := iface.HardwareAddr.String()
		return mac, mac != "00:00:00:00:00:00"
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac, ok := usable(iface); ok {
			return mac, nil
		}
	}
	for _, iface := range ifaces {
		if mac, ok := usable(iface); ok {
			return mac, nil
		}
	}
	return "", fmt.Errorf("no valid MAC address found")
}

func (f *Fingerprinter) hostname() (string, error) {
	if f.src.Hostname == nil {
		return "", fmt.Errorf("no hostname source")
	}
	hostname, err := f.src.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// cpuID hashes the CPU model line, or the platform when none is readable.
func (f *Fingerprinter) cpuID() string {
	raw := f.src.GOOS + "-" + f.src.GOARCH
	if f.src.CPUInfo != nil {
		if info, err := f.src.CPUInfo(); err == nil && info != "" {
			raw = info
		}
	}
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// readCPUInfo returns the first model line of /proc/cpuinfo on Linux and
// PROCESSOR_IDENTIFIER on Windows.
func readCPUInfo() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("PROCESSOR_IDENTIFIER not set")
	case "linux":
		file, err := os.Open("/proc/cpuinfo")
		if err != nil {
			return "", err
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "model name") {
				return strings.TrimSpace(line), nil
			}
		}
		return "", scanner.Err()
	default:
		return "", fmt.Errorf("cpu info not supported on %s", runtime.GOOS)
	}
}
