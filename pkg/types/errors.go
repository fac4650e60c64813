package types

import (
	"errors"
	"fmt"
)

// Sentinel errors consumed by callers and surfaced through the control
// API as 4xx/5xx plus a JSON body {"error": "..."}.
var (
	ErrDuplicate          = errors.New("tenant already exists")
	ErrNotFound           = errors.New("tenant not found")
	ErrInvalidState       = errors.New("invalid tenant state for operation")
	ErrPoolExhausted      = errors.New("subnet pool exhausted")
	ErrAlreadyAllocated   = errors.New("subnet already allocated for tenant")
	ErrHostIfaceDetection = errors.New("could not detect host network interface")
	ErrCommandFailed      = errors.New("host command failed")
	ErrSocketTimeout      = errors.New("hypervisor control socket did not appear")
	ErrInsufficientDisk   = errors.New("insufficient disk space for tenant data volume")
)

// HypervisorAPIError reports a non-2xx response from the hypervisor's
// control-socket HTTP API.
type HypervisorAPIError struct {
	Path string
	Code int
	Body string
}

func (e *HypervisorAPIError) Error() string {
	return fmt.Sprintf("hypervisor API %s failed (%d): %s", e.Path, e.Code, e.Body)
}
