// Package hypervisor talks to a single Firecracker-compatible microVM
// process over its Unix-domain control socket. One Client targets one
// VM's socket.
package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/metrics"
	"github.com/nexusvm/microvmctl/pkg/types"
)

const (
	socketPollInterval = 100 * time.Millisecond
	socketPollAttempts = 20
)

// BootSpec carries everything needed to configure and start a microVM.
type BootSpec struct {
	VmlinuxPath string
	RootfsPath  string
	DataVolPath string
	VCPU        int
	MemoryMB    int
	VMIP        string
	GatewayIP   string
	TapDevice   string
	TenantID    string
}

// Client drives one Firecracker process via its --api-sock HTTP API.
type Client struct {
	fcBin      string
	socketPath string
	httpClient *http.Client
}

// New builds a Client bound to a single VM's socket path. fcBin is the
// path to the Firecracker (or compatible) binary used to start it.
func New(fcBin, socketPath string) *Client {
	return &Client{
		fcBin:      fcBin,
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// StartVM spawns the hypervisor process and drives it through the full
// boot sequence: boot-source, rootfs drive, data drive, machine config,
// network interface, then InstanceStart. Returns the process PID.
func (c *Client) StartVM(ctx context.Context, spec BootSpec) (pid int, err error) {
	_ = os.Remove(c.socketPath)

	cmd := exec.Command(c.fcBin, "--api-sock", c.socketPath)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start hypervisor process: %w", err)
	}
	proc := cmd.Process

	log.WithTenantID(spec.TenantID).Info().
		Int("pid", proc.Pid).
		Str("socket", c.socketPath).
		Msg("hypervisor process started")

	if err := c.waitForSocket(ctx, proc); err != nil {
		_ = proc.Kill()
		return 0, err
	}

	bootArgs := fmt.Sprintf(
		"init=/init console=ttyS0 reboot=k panic=1 pci=off "+
			"FC_VM_IP=%s FC_VM_GATEWAY=%s FC_VM_NETMASK=30 FC_TENANT_ID=%s FC_DNS=8.8.8.8 FC_PORT=8080",
		spec.VMIP, spec.GatewayIP, spec.TenantID,
	)

	if err := c.apiPut(ctx, "/boot-source", map[string]any{
		"kernel_image_path": spec.VmlinuxPath,
		"boot_args":         bootArgs,
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("boot-source: %w", err)
	}

	if err := c.apiPut(ctx, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   spec.RootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("drive rootfs: %w", err)
	}

	if err := c.apiPut(ctx, "/drives/data", map[string]any{
		"drive_id":       "data",
		"path_on_host":   spec.DataVolPath,
		"is_root_device": false,
		"is_read_only":   false,
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("drive data: %w", err)
	}

	if err := c.apiPut(ctx, "/machine-config", map[string]any{
		"vcpu_count":   spec.VCPU,
		"mem_size_mib": spec.MemoryMB,
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("machine-config: %w", err)
	}

	if err := c.apiPut(ctx, "/network-interfaces/eth0", map[string]any{
		"iface_id":      "eth0",
		"guest_mac":     generateMAC(spec.VMIP),
		"host_dev_name": spec.TapDevice,
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("network-interfaces: %w", err)
	}

	if err := c.apiPut(ctx, "/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("instance start: %w", err)
	}

	log.WithTenantID(spec.TenantID).Info().
		Str("vm_ip", spec.VMIP).Int("pid", proc.Pid).Msg("microVM started")

	return proc.Pid, nil
}

// Pause transitions the VM to the Paused state.
func (c *Client) Pause(ctx context.Context) error {
	return c.apiPatch(ctx, "/vm", map[string]any{"state": "Paused"})
}

// Resume transitions the VM back to Running.
func (c *Client) Resume(ctx context.Context) error {
	return c.apiPatch(ctx, "/vm", map[string]any{"state": "Resumed"})
}

// CreateSnapshot takes a full snapshot of VM state and guest memory.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memPath string) error {
	return c.apiPut(ctx, "/snapshot/create", map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memPath,
	})
}

func (c *Client) waitForSocket(ctx context.Context, proc *os.Process) error {
	deadline := time.Now().Add(time.Duration(socketPollAttempts) * socketPollInterval)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("hypervisor process exited before socket ready: %w", err)
		}

		if _, err := os.Stat(c.socketPath); err == nil {
			conn, dialErr := net.Dial("unix", c.socketPath)
			if dialErr == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(socketPollInterval)
	}
	return types.ErrSocketTimeout
}

func (c *Client) apiPut(ctx context.Context, path string, body any) error {
	return c.apiCall(ctx, http.MethodPut, path, body)
}

func (c *Client) apiPatch(ctx context.Context, path string, body any) error {
	return c.apiCall(ctx, http.MethodPatch, path, body)
}

func (c *Client) apiCall(ctx context.Context, method, path string, body any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HypervisorAPIDuration, path)

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &types.HypervisorAPIError{Path: path, Code: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// generateMAC derives a deterministic guest MAC from the VM's IPv4
// address so each tenant's interface is stable across restarts.
func generateMAC(vmIP string) string {
	octets := strings.Split(vmIP, ".")
	if len(octets) != 4 {
		return "06:00:AC:10:00:02"
	}

	var vals [4]int
	for i, o := range octets {
		n := 0
		if _, err := fmt.Sscanf(o, "%d", &n); err != nil || n < 0 || n > 255 {
			return "06:00:AC:10:00:02"
		}
		vals[i] = n
	}
	return fmt.Sprintf("06:00:%02X:%02X:%02X:%02X", vals[0], vals[1], vals[2], vals[3])
}
