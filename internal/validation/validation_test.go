package validation

import (
	"encoding/json"
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"asg_0123456789abcdef01234567", true},
		{"bid_abcdefabcdefabcdefabcdef", true},
		{"pay_000000000000000000000000", true},

		// Invalid cases
		{"0123456789abcdef01234567", false},       // No prefix
		{"asg_0123456789abcdef", false},           // Too short
		{"asg_0123456789abcdef0123456789", false}, // Too long
		{"asg_0123456789ABCDEF01234567", false},   // Uppercase hex
		{"assignment_0123456789abcdef01234567", false},
		{"", false},
		{"asg_", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("title", "Build a landing page"),
		PositiveCents("budgetCents", 50000),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("title", ""),
		PositiveCents("budgetCents", -100),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestNormalizeAttachments(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty payload", "", 0, false},
		{"null payload", "null", 0, false},
		{"empty array", "[]", 0, false},
		{"bare url strings", `["https://cdn.example.com/a.png", "https://cdn.example.com/b.png"]`, 2, false},
		{"object form", `[{"url": "https://cdn.example.com/a.png", "name": "mock", "mimeType": "image/png"}]`, 1, false},
		{"fileUrls form", `[{"fileUrls": ["https://x.test/1", "https://x.test/2", "https://x.test/3"]}]`, 3, false},
		{"fileUrls wins over url", `[{"url": "https://x.test/ignored", "fileUrls": ["https://x.test/kept"]}]`, 1, false},
		{"duplicates collapse", `["https://x.test/same", {"url": "https://x.test/same"}]`, 1, false},
		{"mixed forms", `["https://x.test/a", {"url": "https://x.test/b"}, {"fileUrls": ["https://x.test/c"]}]`, 3, false},

		{"not an array", `{"url": "https://x.test/a"}`, 0, true},
		{"empty url", `[{"url": ""}]`, 0, true},
		{"non-http scheme", `["ftp://x.test/a"]`, 0, true},
		{"bare path", `["not-a-url"]`, 0, true},
		{"numeric element", `[42]`, 0, true},
		{"localhost host", `["http://localhost/secret"]`, 0, true},
		{"loopback literal", `["http://127.0.0.1/admin"]`, 0, true},
		{"private literal", `["https://10.0.0.8/internal"]`, 0, true},
		{"metadata host", `["http://metadata.google.internal/computeMetadata"]`, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeAttachments(json.RawMessage(tc.input))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizeAttachments(%q) expected error, got %v", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeAttachments(%q) unexpected error: %v", tc.input, err)
			}
			if len(got) != tc.want {
				t.Errorf("NormalizeAttachments(%q) = %d attachments, want %d", tc.input, len(got), tc.want)
			}
		})
	}
}

func TestNormalizeAttachments_PreservesMetadata(t *testing.T) {
	got, err := NormalizeAttachments(json.RawMessage(
		`[{"url": "https://cdn.example.com/deliverable.zip", "name": "deliverable.zip", "mimeType": "application/zip"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(got))
	}
	a := got[0]
	if a.URL != "https://cdn.example.com/deliverable.zip" || a.Name != "deliverable.zip" || a.MimeType != "application/zip" {
		t.Errorf("metadata not preserved: %+v", a)
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
