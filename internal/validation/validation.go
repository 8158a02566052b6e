// Package validation provides request validation helpers for the escrowd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// principalRegex accepts account identifiers such as "G...", "0x...",
// "user:42" or "alice@example.com".
var principalRegex = regexp.MustCompile(`^[A-Za-z0-9:_.@\-]{1,128}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPrincipal checks if s can name an account.
func IsValidPrincipal(s string) bool {
	return principalRegex.MatchString(s)
}

// SanitizeString trims whitespace, drops null bytes and limits length.
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

// ValidPrincipal checks an optional principal field. Pair with Required for
// mandatory ones.
func ValidPrincipal(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPrincipal(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9:_.@-]"}
		}
		return nil
	}
}

// PositiveAmount checks an amount in minor units.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer"}
		}
		return nil
	}
}

// BasisPoints checks a share or rate expressed in basis points.
func BasisPoints(field string, value uint32) func() *ValidationError {
	return func() *ValidationError {
		if value > 10_000 {
			return &ValidationError{Field: field, Message: "must be between 0 and 10000"}
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

// PrincipalParamMiddleware rejects malformed :principal URL parameters.
func PrincipalParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p := c.Param("principal"); p != "" && !IsValidPrincipal(p) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_principal",
				"message": "principal must be 1-128 characters of [A-Za-z0-9:_.@-]",
			})
			return
		}
		c.Next()
	}
}
