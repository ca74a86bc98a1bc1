package money_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trainer-ledger/money"
)

func TestPaise_String_IndianGrouping(t *testing.T) {
	tests := []struct {
		in   money.Paise
		want string
	}{
		{0, "₹0"},
		{5000, "₹50"},
		{100050, "₹1,000.50"},
		{12345600, "₹1,23,456"},
		{-150000, "-₹1,500"},
		{1234567890, "₹1,23,45,678.90"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.String())
	}
}

func TestParseRupees(t *testing.T) {
	tests := []struct {
		in      string
		want    money.Paise
		wantErr bool
	}{
		{"1500", 150000, false},
		{"1,500.50", 150050, false},
		{"₹99.5", 9950, false},
		{" 0.01 ", 1, false},
		{"10.00", 1000, false},
		{"10.005", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"100000000000000000", 0, true},
	}
	for _, tt := range tests {
		got, err := money.ParseRupees(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, money.ErrInvalidAmount, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestPaise_Clamp(t *testing.T) {
	assert.Equal(t, money.Paise(0), money.Paise(-500).Clamp(0, 2000))
	assert.Equal(t, money.Paise(2000), money.Paise(3000).Clamp(0, 2000))
	assert.Equal(t, money.Paise(1000), money.Paise(1000).Clamp(0, 2000))
}

func TestPaise_WholeClasses(t *testing.T) {
	assert.Equal(t, money.Classes(5), money.Paise(5999).WholeClasses(1000))
	assert.Equal(t, money.Classes(0), money.Paise(999).WholeClasses(1000))
	assert.Equal(t, money.Classes(0), money.Paise(5000).WholeClasses(0))
}

func TestClasses_Owed(t *testing.T) {
	assert.Equal(t, money.Paise(3000), money.Classes(-3).Owed(1000))
	assert.Equal(t, money.Paise(0), money.Classes(4).Owed(1000))
}

func TestPaise_Rupees(t *testing.T) {
	assert.Equal(t, "1500.5", money.Paise(150050).Rupees().String())
}

func TestPaise_CheckedArithmetic(t *testing.T) {
	p, ok := money.Paise(100000).TimesChecked(12)
	assert.True(t, ok)
	assert.Equal(t, money.Paise(1200000), p)

	_, ok = money.Paise(100000).TimesChecked(money.Classes(math.MaxInt64/100000 + 1))
	assert.False(t, ok)
	_, ok = money.Paise(-1).TimesChecked(math.MinInt64)
	assert.False(t, ok)
	_, ok = money.Paise(0).TimesChecked(math.MaxInt64)
	assert.True(t, ok)

	_, ok = money.Paise(math.MaxInt64).AddChecked(1)
	assert.False(t, ok)
	_, ok = money.Paise(math.MinInt64).AddChecked(-1)
	assert.False(t, ok)
	sum, ok := money.Paise(math.MaxInt64 - 1).AddChecked(1)
	assert.True(t, ok)
	assert.Equal(t, money.Paise(math.MaxInt64), sum)

	_, ok = money.Classes(math.MaxInt64).AddChecked(1)
	assert.False(t, ok)
}
