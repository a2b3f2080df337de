package ledger

import (
	"fmt"
	"strings"
)

// AmountTenths is a signed credit amount in tenths of a credit. All
// balances carry exactly one fractional digit, so integer tenths are
// the smallest unit the ledger ever moves.
type AmountTenths int64

// Int64 returns the raw tenths value.
func (amount AmountTenths) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with its sign flipped.
func (amount AmountTenths) Negated() AmountTenths {
	return -amount
}

// Credits renders the amount as a decimal credit string, e.g. "1.0" or "-2.5".
func (amount AmountTenths) Credits() string {
	tenths := int64(amount)
	sign := ""
	if tenths < 0 {
		sign = "-"
		tenths = -tenths
	}
	return fmt.Sprintf("%s%d.%d", sign, tenths/10, tenths%10)
}

// PositiveAmountTenths is an amount validated to be strictly positive.
type PositiveAmountTenths struct {
	value int64
}

// NewPositiveAmountTenths validates an amount and ensures it is strictly positive.
func NewPositiveAmountTenths(raw int64) (PositiveAmountTenths, error) {
	if raw <= 0 {
		return PositiveAmountTenths{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountTenths)
	}
	return PositiveAmountTenths{value: raw}, nil
}

// ToAmountTenths returns the positive amount as a signed amount.
func (amount PositiveAmountTenths) ToAmountTenths() AmountTenths {
	return AmountTenths(amount.value)
}

// Int64 returns the raw tenths value.
func (amount PositiveAmountTenths) Int64() int64 {
	return amount.value
}

// AccountID identifies an account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection per account.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Category enumerates ledger entry kinds.
type Category string

const (
	CategoryCharge   Category = "charge"
	CategoryRefund   Category = "refund"
	CategoryPurchase Category = "purchase"
	CategoryAdmin    Category = "admin"
)

// ParseCategory validates a raw category string.
func ParseCategory(raw string) (Category, error) {
	switch Category(raw) {
	case CategoryCharge, CategoryRefund, CategoryPurchase, CategoryAdmin:
		return Category(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
}

// String returns the category name.
func (category Category) String() string {
	return string(category)
}

// Account is the stored account record. Balance is derived from
// entries, never stored here.
type Account struct {
	AccountID      AccountID
	Active         bool
	CreatedUnixUTC int64
}

// Entry is a single immutable line in the ledger. BalanceAfterTenths
// is the balance snapshot immediately after this entry committed.
type Entry struct {
	EntryID            string
	AccountID          AccountID
	Category           Category
	AmountTenths       AmountTenths
	BalanceAfterTenths AmountTenths
	Reference          string
	Reason             string
	IdempotencyKey     IdempotencyKey
	CreatedUnixUTC     int64
}

// Balance view for an account.
type Balance struct {
	TotalTenths AmountTenths
}
