// Package validation provides input validation middleware for the Taskbay API.
package validation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/security"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxAttachments caps how many attachments a single submission may carry.
const MaxAttachments = 25

// idRegex validates resource IDs (prefix + 24 hex chars, e.g. asg_..., bid_...)
var idRegex = regexp.MustCompile(`^[a-z]{3}_[a-f0-9]{24}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is a well-formed resource ID.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// IDParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed IDs early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be a prefixed resource ID",
			})
			return
		}
		c.Next()
	}
}

// Attachment is a normalized file reference extracted from a submission body.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// rawAttachment accepts the object forms clients send.
type rawAttachment struct {
	URL      string   `json:"url"`
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	FileURLs []string `json:"fileUrls"`
}

// NormalizeAttachments flattens the attachment shapes clients send into a
// single list. Each array element may be a bare URL string, an object with
// url/name/mimeType, or an object carrying a fileUrls list; when an object
// has both url and fileUrls, fileUrls wins. Duplicate URLs keep the first
// occurrence. A nil or empty payload normalizes to no attachments.
func NormalizeAttachments(raw json.RawMessage) ([]Attachment, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("attachments must be an array")
	}

	var out []Attachment
	seen := make(map[string]bool)
	add := func(a Attachment) error {
		u := strings.TrimSpace(a.URL)
		if u == "" {
			return fmt.Errorf("attachment url must not be empty")
		}
		if err := security.CheckURL(u); err != nil {
			return fmt.Errorf("attachment url %q: %w", u, err)
		}
		if seen[u] {
			return nil
		}
		seen[u] = true
		a.URL = u
		out = append(out, a)
		return nil
	}

	for _, el := range elements {
		var s string
		if err := json.Unmarshal(el, &s); err == nil {
			if err := add(Attachment{URL: s}); err != nil {
				return nil, err
			}
			continue
		}

		var obj rawAttachment
		if err := json.Unmarshal(el, &obj); err != nil {
			return nil, fmt.Errorf("attachment must be a URL string or object")
		}
		if len(obj.FileURLs) > 0 {
			for _, u := range obj.FileURLs {
				if err := add(Attachment{URL: u, Name: obj.Name, MimeType: obj.MimeType}); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(Attachment{URL: obj.URL, Name: obj.Name, MimeType: obj.MimeType}); err != nil {
			return nil, err
		}
	}

	if len(out) > MaxAttachments {
		return nil, fmt.Errorf("too many attachments (max %d)", MaxAttachments)
	}
	return out, nil
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

// Validate validates a request and returns errors
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveCents checks if an amount in minor units is positive.
func PositiveCents(field string, cents int64) func() *ValidationError {
	return func() *ValidationError {
		if cents <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive number of cents"}
		}
		return nil
	}
}
