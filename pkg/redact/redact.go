// Package redact provides small masking helpers for values that must not
// appear in logs (subscriber numbers, one-time passwords, voucher codes).
package redact

import "strings"

// MSISDN masks a subscriber number, keeping the country prefix and the last
// two digits: "6281234567890" -> "6281*******90".
func MSISDN(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-6) + s[len(s)-2:]
}

// OTP masks a one-time password entirely, preserving only its length.
func OTP(s string) string {
	return strings.Repeat("*", len(s))
}

// Voucher keeps the first four characters of a voucher code and masks the rest.
func Voucher(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}
