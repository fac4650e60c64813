// Package hostnet provisions and tears down the host-side network and
// storage artifacts a tenant's microVM runs on top of: a TAP device
// NATed through the host's egress interface, and a raw ext4 data
// volume. It shells out to ip, iptables, sysctl, dd and mkfs.ext4 the
// same way the control plane it's modeled on does, but classifies
// failures by exit status and stderr instead of string-matching
// command output.
package hostnet

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/types"
)

// HostNetwork manages TAP devices, NAT rules and data volumes for
// tenant microVMs.
type HostNetwork struct{}

// New builds a HostNetwork.
func New() *HostNetwork {
	return &HostNetwork{}
}

// CreateTap creates a TAP device named tapName, assigns gatewayIP/30 to
// it, brings it up, enables IP forwarding, and installs NAT/FORWARD
// iptables rules routing the tenant's /30 subnet through the host's
// detected egress interface.
func (h *HostNetwork) CreateTap(tapName, gatewayIP string) error {
	log.Logger.Info().Str("tap", tapName).Str("gateway", gatewayIP).Msg("creating TAP device")

	// Best-effort removal of a stale device from a prior run.
	_ = runCmd("ip", "link", "del", tapName)

	if err := runCmd("ip", "tuntap", "add", "dev", tapName, "mode", "tap"); err != nil {
		return err
	}
	if err := runCmd("ip", "addr", "add", gatewayIP+"/30", "dev", tapName); err != nil {
		return err
	}
	if err := runCmd("ip", "link", "set", tapName, "up"); err != nil {
		return err
	}
	if err := runCmd("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return err
	}

	iface, err := DetectHostInterface()
	if err != nil {
		return err
	}

	subnet := subnetOf(gatewayIP)

	if err := runCmd("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", subnet, "-o", iface, "-j", "MASQUERADE"); err != nil {
		return err
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-i", tapName, "-o", iface, "-j", "ACCEPT"); err != nil {
		return err
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-i", iface, "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return err
	}

	return nil
}

// DeleteTap reverses CreateTap: it reads the /30 gateway still assigned
// to tapName, deletes every FORWARD rule mentioning the device and every
// NAT POSTROUTING rule mentioning its derived subnet, then deletes the
// device itself. Firewall cleanup is best-effort and logged rather than
// fatal — the device-delete step is what actually stops traffic, and a
// missing gateway (device already gone) just skips the NAT half.
func (h *HostNetwork) DeleteTap(tapName string) error {
	log.Logger.Info().Str("tap", tapName).Msg("deleting TAP device")

	gateway := readTapGateway(tapName)

	if err := pruneRules(nil, "FORWARD", tapName); err != nil {
		log.Logger.Warn().Err(err).Str("tap", tapName).Msg("failed to prune FORWARD rules")
	}

	if gateway != "" {
		subnet := subnetOf(gateway)
		if err := pruneRules([]string{"-t", "nat"}, "POSTROUTING", subnet); err != nil {
			log.Logger.Warn().Err(err).Str("subnet", subnet).Msg("failed to prune NAT rules")
		}
	}

	return runCmd("ip", "link", "del", tapName)
}

// readTapGateway recovers the gateway address CreateTap assigned to
// tapName by parsing `ip addr show tapName`'s output. Returns "" if the
// device is already gone or carries no such address.
func readTapGateway(tapName string) string {
	out, err := exec.Command("ip", "addr", "show", tapName).CombinedOutput()
	if err != nil {
		return ""
	}
	return parseInetGateway(string(out))
}

// parseInetGateway extracts the address preceding "/30" from an "inet
// A.B.C.D/30 ..." field pair in ip-addr-show output. Split out of
// readTapGateway so the parsing itself is testable without a real TAP
// device.
func parseInetGateway(out string) string {
	fields := strings.Fields(out)
	for i, f := range fields {
		if f != "inet" || i+1 >= len(fields) {
			continue
		}
		if idx := strings.Index(fields[i+1], "/30"); idx != -1 {
			return fields[i+1][:idx]
		}
	}
	return ""
}

// pruneRules deletes every rule in chain (within the optional table
// named by tableArgs, e.g. []string{"-t", "nat"}) whose listing contains
// match. iptables has no "delete every rule naming X" primitive, so each
// matching "-A chain ..." line from `iptables -S chain` is turned back
// into the equivalent "-D chain ..." delete command.
func pruneRules(tableArgs []string, chain, match string) error {
	listArgs := append(append([]string{}, tableArgs...), "-S", chain)
	out, err := exec.Command("iptables", listArgs...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: iptables %s: %v", types.ErrCommandFailed, strings.Join(listArgs, " "), err)
	}

	var firstErr error
	for _, deleteArgs := range deleteArgsForMatches(tableArgs, match, string(out)) {
		if err := runCmd("iptables", deleteArgs...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deleteArgsForMatches turns every "-A chain ..." line in an
// `iptables -S chain` listing that mentions match into the equivalent
// "-D chain ..." argv, prefixed with tableArgs. Split out of pruneRules
// so the line-rewriting logic is testable against canned listings
// without a real iptables binary.
func deleteArgsForMatches(tableArgs []string, match, listing string) [][]string {
	var out [][]string
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, match) || !strings.HasPrefix(line, "-A ") {
			continue
		}
		args := append(append([]string{}, tableArgs...), strings.Fields("-D "+strings.TrimPrefix(line, "-A "))...)
		out = append(out, args)
	}
	return out
}

// CreateDataVolume allocates a sparse file of sizeMB MiB at path and
// formats it ext4.
func (h *HostNetwork) CreateDataVolume(path string, sizeMB int) error {
	log.Logger.Info().Str("path", path).Int("size_mb", sizeMB).Msg("creating data volume")

	if err := runCmd("dd", "if=/dev/zero", "of="+path, "bs=1M", "count=0", "seek="+strconv.Itoa(sizeMB)); err != nil {
		return err
	}
	return runCmd("mkfs.ext4", "-F", "-L", "tenant-data", path)
}

// CheckDiskSpace reports whether dir's filesystem has at least
// requiredMB free, so provisioning fails fast with a clear error when
// the filesystem cannot hold a fully written data volume.
func CheckDiskSpace(dir string, requiredMB int) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}

	availMB := (uint64(stat.Bavail) * uint64(stat.Bsize)) / (1024 * 1024)
	if availMB < uint64(requiredMB) {
		return fmt.Errorf("%w: %s has %dMB free, need %dMB", types.ErrInsufficientDisk, dir, availMB, requiredMB)
	}
	return nil
}

// DetectHostInterface inspects the host's default route to find the
// egress interface used for outbound traffic.
func DetectHostInterface() (string, error) {
	out, err := exec.Command("ip", "route", "get", "8.8.8.8").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: ip route get: %v", types.ErrHostIfaceDetection, err)
	}

	fields := strings.Fields(string(out))
	for _, f := range fields {
		if strings.HasPrefix(f, "eth") || strings.HasPrefix(f, "ens") || strings.HasPrefix(f, "enp") {
			return f, nil
		}
	}

	if idx := strings.Index(string(out), "dev "); idx != -1 {
		rest := strings.Fields(string(out)[idx+4:])
		if len(rest) > 0 {
			return rest[0], nil
		}
	}

	return "", types.ErrHostIfaceDetection
}

// subnetOf derives the /30 network address from a gateway IP, e.g.
// "172.16.5.1" -> "172.16.5.0/30".
func subnetOf(gatewayIP string) string {
	idx := strings.LastIndex(gatewayIP, ".")
	if idx == -1 {
		return gatewayIP + "/30"
	}
	return gatewayIP[:idx] + ".0/30"
}

// runCmd executes cmd and classifies failure by exit status and
// stderr rather than scraping stdout for a status code.
func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s: %v: %s", types.ErrCommandFailed, name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
