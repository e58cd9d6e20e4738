package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "$0.00"},
		{"999.5", "$999.50"},
		{"1000", "$1,000.00"},
		{"1234567.891", "$1,234,567.89"},
		{"-25000", "-$25,000.00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := FormatCurrency(decimal.RequireFromString(tt.in)); got != tt.want {
				t.Errorf("FormatCurrency(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatPnLAndQuantity(t *testing.T) {
	if got := FormatPnL(decimal.NewFromInt(1500)); got != "+$1,500.00" {
		t.Errorf("FormatPnL = %s", got)
	}
	if got := FormatQuantity(decimal.NewFromInt(12000)); got != "12,000" {
		t.Errorf("FormatQuantity = %s", got)
	}
	if got := FormatQuantity(decimal.RequireFromString("2.5")); got != "2.5" {
		t.Errorf("FormatQuantity = %s", got)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, fatal) },
	}, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v calls = %d", err, calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" || calls != 3 {
		t.Errorf("got %q err %v calls %d", got, err, calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour}, func() error {
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestCalculateBackoffCaps(t *testing.T) {
	if d := CalculateBackoff(10, time.Millisecond, 50*time.Millisecond, 2); d != 50*time.Millisecond {
		t.Errorf("backoff = %v", d)
	}
}
