package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"rec_0123456789abcdef01234567", true},
		{"scn_aaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"evt_deadbeefdeadbeefdeadbeef", true},

		// Invalid cases
		{"0123456789abcdef01234567", false},        // No prefix
		{"rec_0123456789abcdef", false},            // Too short
		{"rec_0123456789abcdef0123456789", false},  // Too long
		{"rec_0123456789ABCDEF01234567", false},    // Uppercase hex
		{"REC_0123456789abcdef01234567", false},    // Uppercase prefix
		{"", false},
		{"rec_", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"security", true},
		{"security.signal", true},
		{"user_activity", true},
		{"audit-trail", true},
		{"gateway01", true},

		// Invalid
		{"Security", false},
		{"1security", false},
		{".signal", false},
		{"", false},
		{"with space", false},
	}

	for _, tc := range tests {
		result := IsValidName(tc.name)
		if result != tc.valid {
			t.Errorf("IsValidName(%q) = %v, want %v", tc.name, result, tc.valid)
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
		Required("source", "gateway"),
		ValidID("id", "rec_0123456789abcdef01234567"),
		ValidName("domain", "security"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("source", ""),
		ValidID("id", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
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
