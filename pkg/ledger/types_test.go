package ledger

import (
	"errors"
	"testing"
)

func TestAmountTenthsCredits(test *testing.T) {
	test.Parallel()
	cases := []struct {
		tenths   int64
		rendered string
	}{
		{0, "0.0"},
		{10, "1.0"},
		{25, "2.5"},
		{-10, "-1.0"},
		{-5, "-0.5"},
	}
	for _, testCase := range cases {
		if got := AmountTenths(testCase.tenths).Credits(); got != testCase.rendered {
			test.Fatalf("tenths %d: expected %q, got %q", testCase.tenths, testCase.rendered, got)
		}
	}
}

func TestNewPositiveAmountTenthsRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewPositiveAmountTenths(raw); !errors.Is(err, ErrInvalidAmountTenths) {
			test.Fatalf("raw %d: expected ErrInvalidAmountTenths, got %v", raw, err)
		}
	}
}

func TestParseCategory(test *testing.T) {
	test.Parallel()
	for _, valid := range []string{"charge", "refund", "purchase", "admin"} {
		if _, err := ParseCategory(valid); err != nil {
			test.Fatalf("category %q: %v", valid, err)
		}
	}
	if _, err := ParseCategory("bonus"); !errors.Is(err, ErrInvalidCategory) {
		test.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestNewAccountIDNormalizes(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  acct-1  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-1" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestRefundKeyDerivation(test *testing.T) {
	test.Parallel()
	key, err := RefundKeyFor("job-42")
	if err != nil {
		test.Fatalf("refund key: %v", err)
	}
	if key.String() != "job-42:refund" {
		test.Fatalf("unexpected refund key %q", key.String())
	}
	if _, err := RefundKeyFor(""); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}
