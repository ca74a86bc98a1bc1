package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/ledger/store"
)

func TestDate_AddMonths_ClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		name  string
		from  ledger.Date
		month int
		want  ledger.Date
	}{
		{"plain", ledger.NewDate(2026, time.October, 15), -3, ledger.NewDate(2026, time.July, 15)},
		{"into short february", ledger.NewDate(2026, time.May, 31), -3, ledger.NewDate(2026, time.February, 28)},
		{"into leap february", ledger.NewDate(2028, time.May, 31), -3, ledger.NewDate(2028, time.February, 29)},
		{"into thirty day month", ledger.NewDate(2026, time.July, 31), -3, ledger.NewDate(2026, time.April, 30)},
		{"across year", ledger.NewDate(2026, time.January, 31), -3, ledger.NewDate(2025, time.October, 31)},
		{"forward", ledger.NewDate(2026, time.January, 31), 1, ledger.NewDate(2026, time.February, 28)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.AddMonths(tt.month))
		})
	}
}

func TestAddPunch_DateWindow_EndOfMonth(t *testing.T) {
	// GIVEN: Today is 31 May
	// WHEN: Punches are added on the last days of February
	// THEN: The window starts on 28 Feb, not on 3 Mar

	at := time.Date(2026, time.May, 31, 12, 0, 0, 0, time.UTC)
	e := ledger.NewEngine(store.NewMemory(), ledger.WithClock(ledger.FixedClock{At: at}))
	c := newClient(t, e, 1000)
	ctx := context.Background()

	_, err := e.AddPunch(ctx, trainer, c.ID, date(2026, time.February, 28))
	require.NoError(t, err)

	_, err = e.AddPunch(ctx, trainer, c.ID, date(2026, time.February, 27))
	assert.True(t, ledger.IsValidation(err))
}
