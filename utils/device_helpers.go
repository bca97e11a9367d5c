package utils

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/notargets/gocca"
	"k8s.io/klog/v2"
)

// DefaultBackends lists the OCCA device properties tried by CreateTestDevice,
// parallel backends first
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

var ErrDeviceProps = errors.New("invalid occa device properties")

// Modes accepted by ParseDeviceProps
var deviceModes = map[string]bool{
	"Serial": true, "OpenMP": true, "CUDA": true, "HIP": true, "OpenCL": true, "Metal": true, "dpcpp": true,
}

// ParseDeviceProps checks that props is a JSON object naming a known OCCA
// mode and returns the mode. OCCA itself falls back to Serial on unknown
// modes and aborts on malformed JSON.
func ParseDeviceProps(props string) (string, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(props), &fields); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDeviceProps, props, err)
	}
	mode, _ := fields["mode"].(string)
	if !deviceModes[mode] {
		return "", fmt.Errorf("%w: %s: unknown mode %q", ErrDeviceProps, props, mode)
	}
	return mode, nil
}

// OpenDevice creates an OCCA device from JSON properties. An empty string
// tries DefaultBackends in order.
func OpenDevice(props string) (*gocca.OCCADevice, error) {
	if props != "" {
		if _, err := ParseDeviceProps(props); err != nil {
			return nil, err
		}
		device, err := gocca.NewDevice(props)
		if err != nil {
			return nil, fmt.Errorf("occa device %s: %w", props, err)
		}
		klog.V(1).Infof("Created %s Device", device.Mode())
		return device, nil
	}
	for _, p := range DefaultBackends {
		device, err := gocca.NewDevice(p)
		if err == nil {
			klog.V(1).Infof("Created %s Device", device.Mode())
			return device, nil
		}
		klog.V(2).Infof("occa backend %s unavailable: %v", p, err)
	}
	return nil, fmt.Errorf("no occa backend available")
}

// CreateTestDevice creates a Device for testing, preferring parallel backends
func CreateTestDevice() *gocca.OCCADevice {
	device, err := OpenDevice("")
	if err != nil {
		panic("Failed to create any Device")
	}
	return device
}
