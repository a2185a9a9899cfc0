package qmp

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/containerd/log"
)

// MemorySizeSummary matches the return value of query-memory-size-summary.
type MemorySizeSummary struct {
	BaseMemory    int64 `json:"base-memory"`
	PluggedMemory int64 `json:"plugged-memory"`
}

// MemoryDeviceInfo represents a hotplugged memory device.
type MemoryDeviceInfo struct {
	Type string         `json:"type"` // "dimm" or "virtio-mem"
	Data map[string]any `json:"data"`
}

// ID returns the device id, or "" when QEMU reported none.
func (d MemoryDeviceInfo) ID() string {
	id, _ := d.Data["id"].(string)
	return id
}

// BackendID returns the memory backend object id for a slot.
func BackendID(slot string) string {
	return "mem-" + slot
}

// DIMMID returns the pc-dimm device id for a slot.
func DIMMID(slot string) string {
	return "dimm-" + slot
}

// SlotOf returns the slot a pc-dimm id was created for by HotplugMemory.
func SlotOf(dimmID string) (string, bool) {
	return strings.CutPrefix(dimmID, "dimm-")
}

// QueryMemorySizeSummary returns boot and hotplugged memory in bytes.
func (c *Client) QueryMemorySizeSummary(ctx context.Context) (*MemorySizeSummary, error) {
	return query[*MemorySizeSummary](ctx, c, "query-memory-size-summary")
}

// QueryMemoryDevices returns all hotplugged memory devices.
func (c *Client) QueryMemoryDevices(ctx context.Context) ([]MemoryDeviceInfo, error) {
	return query[[]MemoryDeviceInfo](ctx, c, "query-memory-devices")
}

// ObjectAdd adds a QEMU object (e.g., memory backend).
func (c *Client) ObjectAdd(ctx context.Context, qomType, objID string, args map[string]any) error {
	arguments := map[string]any{
		"qom-type": qomType,
		"id":       objID,
	}
	maps.Copy(arguments, args)
	return c.execute(ctx, "object-add", arguments, nil)
}

// ObjectDel removes a QEMU object.
func (c *Client) ObjectDel(ctx context.Context, objID string) error {
	return c.execute(ctx, "object-del", map[string]any{"id": objID}, nil)
}

// DeviceAdd hotplugs a device.
func (c *Client) DeviceAdd(ctx context.Context, driver string, args map[string]any) error {
	arguments := map[string]any{"driver": driver}
	maps.Copy(arguments, args)
	return c.execute(ctx, "device_add", arguments, nil)
}

// HotplugMemory adds sizeMB of memory to the guest as a pc-dimm in slot.
// The backend object is created first and removed again if the DIMM cannot
// be attached, so a failed attempt leaves the slot id reusable.
func (c *Client) HotplugMemory(ctx context.Context, sizeMB int64, slot string) error {
	if sizeMB <= 0 {
		return fmt.Errorf("invalid hotplug size %dMB", sizeMB)
	}

	backendID := BackendID(slot)
	dimmID := DIMMID(slot)
	sizeBytes := sizeMB * 1024 * 1024

	log.G(ctx).WithFields(log.Fields{
		"slot":       slot,
		"size_mb":    sizeMB,
		"backend_id": backendID,
	}).Debug("qmp: creating memory backend")

	if err := c.ObjectAdd(ctx, "memory-backend-ram", backendID, map[string]any{
		"size": sizeBytes,
	}); err != nil {
		return fmt.Errorf("create memory backend: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"slot":    slot,
		"dimm_id": dimmID,
	}).Debug("qmp: attaching pc-dimm")

	if err := c.DeviceAdd(ctx, "pc-dimm", map[string]any{
		"id":     dimmID,
		"memdev": backendID,
	}); err != nil {
		if delErr := c.ObjectDel(ctx, backendID); delErr != nil {
			log.G(ctx).WithError(delErr).WithField("backend_id", backendID).
				Warn("qmp: failed to remove memory backend after device_add failure")
		}
		return fmt.Errorf("attach memory device: %w", err)
	}

	return nil
}
