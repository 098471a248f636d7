// Package validation provides request validation helpers and middleware for
// the settlement API.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/genexchange/settlement/internal/amount"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccount reports whether s is a 0x-prefixed 20-byte hex account.
func IsValidAccount(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// SanitizeAccount trims, lowercases and adds a missing 0x prefix.
func SanitizeAccount(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// SanitizeString removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAccount checks that a non-empty field is a 0x account address.
func ValidAccount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAccount(value) {
			return &ValidationError{Field: field, Message: "must be a valid account address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that a non-empty field is a positive decimal with at
// most amount.Decimals fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		whole, frac, hasPoint := strings.Cut(value, ".")
		if whole == "" || (hasPoint && frac == "") || strings.Contains(frac, ".") {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if len(frac) > amount.Decimals {
			return &ValidationError{Field: field, Message: "too many decimal places"}
		}
		v, ok := amount.Parse(value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// AccountParamMiddleware rejects malformed :account URL parameters before
// they reach a handler.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		if account != "" && !IsValidAccount(account) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
