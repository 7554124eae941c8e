package privacy

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"abc", "***"},
		{"12345678", "********"},
		{"eyJhbGciOiJIUzI1NiJ9.e30.sig", "eyJh****"},
	}

	for _, test := range tests {
		result := MaskSecret(test.input)
		if result != test.expected {
			t.Errorf("MaskSecret(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskUserID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"bob", "***"},
		{"user123456", "******3456"},
	}

	for _, test := range tests {
		result := MaskUserID(test.input)
		if result != test.expected {
			t.Errorf("MaskUserID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskCID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"messaging:alice-bob", "messaging:*****-bob"},
		{"team:ops", "team:***"},
		{"no-separator", "********ator"},
	}

	for _, test := range tests {
		result := MaskCID(test.input)
		if result != test.expected {
			t.Errorf("MaskCID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskText(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"hi", "**"},
		{"see you at the station", "see you …(22)"},
		{"héllo wörld, ça va", "héllo wö…(18)"},
	}

	for _, test := range tests {
		result := MaskText(test.input)
		if result != test.expected {
			t.Errorf("MaskText(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestMaskSensitiveFields(t *testing.T) {
	if MaskSensitiveFields(nil) != nil {
		t.Fatal("expected nil for nil fields")
	}

	fields := logrus.Fields{
		"api_key":  "abcdefghijkl",
		"user_id":  "user123456",
		"text":     "see you at the station",
		"cid":      "messaging:general",
		"attempt":  3,
		"token":    12,
		"endpoint": "/channels",
	}
	masked := MaskSensitiveFields(fields)

	expected := logrus.Fields{
		"api_key":  "abcd****",
		"user_id":  "******3456",
		"text":     "see you …(22)",
		"cid":      "messaging:general",
		"attempt":  3,
		"token":    12,
		"endpoint": "/channels",
	}
	for k, want := range expected {
		if masked[k] != want {
			t.Errorf("field %s = %v, expected %v", k, masked[k], want)
		}
	}
	if fields["api_key"] != "abcdefghijkl" {
		t.Error("input fields were modified")
	}
}
