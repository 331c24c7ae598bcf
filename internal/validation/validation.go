// Package validation provides input validation for the gateway API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies, including generation params.
const MaxRequestSize = 1 << 20

var (
	// ethAddressRegex validates wallet addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// serviceTypeRegex validates service type path segments
	serviceTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
)

// RequestSizeMiddleware rejects bodies larger than maxSize once read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidServiceType checks a service type name such as "text" or "image".
func IsValidServiceType(s string) bool {
	return serviceTypeRegex.MatchString(s)
}

// IsValidWorkerURL accepts absolute http(s) URLs without query or fragment.
func IsValidWorkerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && u.RawQuery == "" && u.Fragment == ""
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every rejected field of a request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each check and keeps the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidServiceType checks a service type name.
func ValidServiceType(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidServiceType(value) {
			return &ValidationError{Field: field, Message: "must be lowercase letters, digits, '-' or '_'"}
		}
		return nil
	}
}

// ValidWorkerURL checks a worker base URL.
func ValidWorkerURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidWorkerURL(value) {
			return &ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "must be at most " + strconv.Itoa(max) + " bytes"}
		}
		return nil
	}
}

// MaxParams bounds the number of generation parameters.
func MaxParams(field string, params map[string]any, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(params) > max {
			return &ValidationError{Field: field, Message: "too many parameters"}
		}
		return nil
	}
}

// ServiceTypeParamMiddleware rejects malformed :serviceType path segments early.
func ServiceTypeParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if st := c.Param("serviceType"); st != "" && !IsValidServiceType(st) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_service_type",
				"message": "serviceType must be lowercase letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
