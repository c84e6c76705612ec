package circulation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mrlokans/circulation/internal/entities"
)

// OverdueDays counts whole calendar days between the due date and the day
// the copy came back. Returning on the due date costs nothing.
func OverdueDays(due, returned time.Time) int64 {
	days := int64(entities.CalendarDay(returned).Sub(entities.CalendarDay(due)) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

// OverdueFine is the fine for a late return, rounded to cents.
func OverdueFine(due, returned time.Time, perDay decimal.Decimal) decimal.Decimal {
	return perDay.Mul(decimal.NewFromInt(OverdueDays(due, returned))).Round(2)
}

// Compensation is charged for a lost copy.
func Compensation(price, multiplier decimal.Decimal) decimal.Decimal {
	return price.Mul(multiplier).Round(2)
}
