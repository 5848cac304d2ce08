package payouts

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	luhn "github.com/EClaesson/go-luhn"
)

const referenceDigits = 8

var referenceSpace = big.NewInt(100_000_000)

// NewReference returns PO-YYYYMMDD-NNNNNNNNC where N is random and C is the
// Luhn check digit over the numeric body.
func NewReference(at time.Time, src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	n, err := rand.Int(src, referenceSpace)
	if err != nil {
		return "", fmt.Errorf("payout reference: %w", err)
	}
	body := fmt.Sprintf("%0*d", referenceDigits, n.Int64())
	check, err := checkDigit(body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PO-%s-%s%c", at.UTC().Format("20060102"), body, check), nil
}

func checkDigit(body string) (byte, error) {
	for d := byte('0'); d <= '9'; d++ {
		ok, err := luhn.IsValid(body + string(d))
		if err != nil {
			return 0, fmt.Errorf("payout reference check digit: %w", err)
		}
		if ok {
			return d, nil
		}
	}
	return 0, fmt.Errorf("payout reference check digit: no digit satisfies %s", body)
}

// ValidReference reports whether ref is well formed and its check digit
// matches.
func ValidReference(ref string) bool {
	parts := strings.Split(ref, "-")
	if len(parts) != 3 || parts[0] != "PO" || len(parts[2]) != referenceDigits+1 {
		return false
	}
	if _, err := time.Parse("20060102", parts[1]); err != nil {
		return false
	}
	ok, err := luhn.IsValid(parts[2])
	return err == nil && ok
}
