package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Ledger is admission control for schedule slots. The capacity check and
// the increment happen in a single conditional write, so two bookings for
// the last seat cannot both pass; callers additionally hold the slot lock.
type Ledger struct{}

// TryReserve takes one unit of capacity from slotID. On failure the caller
// must not create an appointment.
func (Ledger) TryReserve(ctx context.Context, st Store, slotID uuid.UUID) (*ScheduleSlot, error) {
	slot, ok, err := st.IncrementBooked(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	if ok {
		return slot, nil
	}

	// The conditional write refused; find out why.
	slot, err = st.GetSlotByID(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrInvalidSlot.WithMessage("schedule slot %s does not exist", slotID)
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if !slot.IsActive {
		return nil, ErrSlotClosed
	}
	return nil, ErrSlotFull
}

// Release gives one unit of capacity back to slotID, floor at zero.
func (Ledger) Release(ctx context.Context, st Store, slotID uuid.UUID) (*ScheduleSlot, error) {
	slot, err := st.DecrementBooked(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("release slot: %w", err)
	}
	return slot, nil
}
