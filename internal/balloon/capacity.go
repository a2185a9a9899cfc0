package balloon

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultMaxSlots is the number of pc-dimm slots the VM is started with.
	DefaultMaxSlots = 16

	// MinDIMMMB is the smallest DIMM worth plugging.
	MinDIMMMB = 256

	// dimmRoundMB is the granularity hotplug requests are rounded up to;
	// fewer, larger DIMMs conserve slots.
	dimmRoundMB = 1024

	bytesPerMB = 1024 * 1024
)

// CapacityState is the memory bookkeeping of one controller.
//
// Invariants:
//
//	FloorMB + HotpluggedMB <= CeilingMB
//	SlotCount <= MaxSlots
//
// The balloon is only ever set within [FloorMB, FloorMB+HotpluggedMB].
type CapacityState struct {
	FloorMB      int64
	CeilingMB    int64
	HotpluggedMB int64
	SlotCount    int
	MaxSlots     int

	floorKnown   bool
	processed    bool
	lastSequence int64
	// lastSlot is the highest slot number handed out or adopted.
	lastSlot int
}

// NewCapacityState returns state with an unknown floor.
func NewCapacityState(ceilingMB int64, maxSlots int) *CapacityState {
	if maxSlots < 1 {
		maxSlots = DefaultMaxSlots
	}
	return &CapacityState{
		CeilingMB: ceilingMB,
		MaxSlots:  maxSlots,
	}
}

// FloorKnown reports whether the floor has been captured.
func (s *CapacityState) FloorKnown() bool {
	return s.floorKnown
}

// SetFloor captures the floor from the first observed balloon size. It
// returns true when the ceiling had to be raised to the floor to keep the
// invariant. Later calls are ignored.
func (s *CapacityState) SetFloor(currentMB int64) (ceilingRaised bool) {
	if s.floorKnown {
		return false
	}
	s.FloorMB = currentMB
	s.floorKnown = true
	if s.CeilingMB < s.FloorMB+s.HotpluggedMB {
		s.CeilingMB = s.FloorMB + s.HotpluggedMB
		return true
	}
	return false
}

// TotalMB is the memory the guest may currently use: floor plus hotplugged.
func (s *CapacityState) TotalMB() int64 {
	return s.FloorMB + s.HotpluggedMB
}

// HeadroomMB is how much more memory may still be hotplugged.
func (s *CapacityState) HeadroomMB() int64 {
	return max(s.CeilingMB-s.TotalMB(), 0)
}

// AtCeiling reports whether no more memory may be added.
func (s *CapacityState) AtCeiling() bool {
	return s.TotalMB() >= s.CeilingMB
}

// SlotsExhausted reports whether every DIMM slot is in use.
func (s *CapacityState) SlotsExhausted() bool {
	return s.SlotCount >= s.MaxSlots
}

// IsNew reports whether seq differs from the last processed sequence id.
// Equality rather than ordering: the guest counter restarts at 0 on reboot.
func (s *CapacityState) IsNew(seq int64) bool {
	return !s.processed || seq != s.lastSequence
}

// MarkProcessed records seq as handled.
func (s *CapacityState) MarkProcessed(seq int64) {
	s.processed = true
	s.lastSequence = seq
}

// LastSequence returns the last processed sequence id, if any.
func (s *CapacityState) LastSequence() (int64, bool) {
	return s.lastSequence, s.processed
}

// ReserveSlot optimistically takes the next slot and returns its id.
// Call ReleaseSlot if the hotplug fails.
func (s *CapacityState) ReserveSlot() (string, error) {
	if s.SlotsExhausted() {
		return "", &CapacityError{Reason: ReasonSlotsExhausted, Detail: fmt.Sprintf("%d/%d slots used", s.SlotCount, s.MaxSlots)}
	}
	s.SlotCount++
	s.lastSlot++
	return "slot" + strconv.Itoa(s.lastSlot), nil
}

// ReleaseSlot reverts the last ReserveSlot.
func (s *CapacityState) ReleaseSlot() {
	if s.SlotCount > 0 {
		s.SlotCount--
	}
	if s.lastSlot > 0 {
		s.lastSlot--
	}
}

// AdoptSlots accounts DIMMs that are already plugged, e.g. by an earlier
// controller for the same VM. used is how many there are and highest the
// largest slot number among them; later slot ids continue after it.
func (s *CapacityState) AdoptSlots(used, highest int) {
	s.SlotCount = max(s.SlotCount, used)
	s.lastSlot = max(s.lastSlot, highest, used)
}

// slotNumber parses a slot id produced by ReserveSlot.
func slotNumber(slot string) (int, bool) {
	v, ok := strings.CutPrefix(slot, "slot")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// CommitHotplug accounts memory added by a successful hotplug.
func (s *CapacityState) CommitHotplug(sizeMB int64) error {
	if sizeMB <= 0 {
		return fmt.Errorf("invalid hotplug size %dMB", sizeMB)
	}
	if sizeMB > s.HeadroomMB() {
		return &CapacityError{Reason: ReasonAtCeiling, Detail: fmt.Sprintf("%dMB exceeds headroom %dMB", sizeMB, s.HeadroomMB())}
	}
	s.HotpluggedMB += sizeMB
	return nil
}

// Check verifies the invariants against an observed balloon size.
func (s *CapacityState) Check(balloonMB int64) error {
	switch {
	case s.TotalMB() > s.CeilingMB:
		return fmt.Errorf("floor %dMB + hotplugged %dMB exceeds ceiling %dMB", s.FloorMB, s.HotpluggedMB, s.CeilingMB)
	case s.SlotCount > s.MaxSlots:
		return fmt.Errorf("slot count %d exceeds max %d", s.SlotCount, s.MaxSlots)
	case balloonMB < s.FloorMB:
		return fmt.Errorf("balloon %dMB below floor %dMB", balloonMB, s.FloorMB)
	case balloonMB > s.TotalMB():
		return fmt.Errorf("balloon %dMB above floor+hotplugged %dMB", balloonMB, s.TotalMB())
	}
	return nil
}

func roundUp(v, to int64) int64 {
	return ((v + to - 1) / to) * to
}
