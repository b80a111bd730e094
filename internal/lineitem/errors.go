package lineitem

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSlot is returned for slot indices that were never issued or were removed.
	ErrUnknownSlot = errors.New("lineitem: unknown slot")
	// ErrFrozen is returned for mutations while a payment is open against the items.
	ErrFrozen = errors.New("lineitem: items are locked while payment is in progress")
	// ErrCounting is returned by Freeze while page counts are still being read.
	ErrCounting = errors.New("lineitem: page counting still in progress")
)

// ValidationError reports a rejected field value. The prior value is kept.
type ValidationError struct {
	Slot    int
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("slot %d %s: %s", e.Slot, e.Field, e.Message)
}
