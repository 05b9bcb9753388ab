// Package redact contains tests for the masking helpers.
package redact

import "testing"

func TestMSISDN(t *testing.T) {
	got := MSISDN("6281234567890")
	if got != "6281*******90" {
		t.Fatalf("unexpected: %q", got)
	}
	if MSISDN("123456") != "******" {
		t.Fatalf("short numbers must be fully masked")
	}
}

func TestOTP(t *testing.T) {
	if OTP("123456") != "******" {
		t.Fatalf("otp must be fully masked")
	}
	if OTP("") != "" {
		t.Fatalf("empty otp stays empty")
	}
}

func TestVoucher(t *testing.T) {
	if got := Voucher("ABCD1234XY"); got != "ABCD******" {
		t.Fatalf("unexpected: %q", got)
	}
	if Voucher("AB") != "**" {
		t.Fatalf("short vouchers must be fully masked")
	}
}
