package urlx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTypoSquat(t *testing.T) {
	targets := []string{"google.com", "facebook.com"}

	tests := []struct {
		name   string
		host   string
		target string
		method string
		ok     bool
	}{
		{
			name:   "missing character",
			host:   "gogle.com",
			target: "google.com",
			method: "missing-char",
			ok:     true,
		},
		{
			name:   "extra character",
			host:   "gooogle.com",
			target: "google.com",
			method: "extra-char",
			ok:     true,
		},
		{
			name:   "replaced character",
			host:   "goggle.com",
			target: "google.com",
			method: "replaced-char",
			ok:     true,
		},
		{
			name:   "swapped adjacent characters",
			host:   "googel.com",
			target: "google.com",
			method: "swapped-char",
			ok:     true,
		},
		{
			name:   "subdomain carrying the typo",
			host:   "login.gogle.com",
			target: "google.com",
			method: "missing-char",
			ok:     true,
		},
		{
			name:   "case and www prefix are ignored",
			host:   "www.Faceboook.com",
			target: "facebook.com",
			method: "extra-char",
			ok:     true,
		},
		{name: "exact match is legitimate", host: "google.com"},
		{name: "subdomain of a target is legitimate", host: "mail.google.com"},
		{name: "unrelated domain", host: "example.com"},
		{name: "two edits away", host: "ggle.com"},
		{name: "ip literal", host: "203.0.113.9"},
		{name: "empty hostname", host: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			squat, ok := DetectTypoSquat(tt.host, targets)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.target, squat.Target)
				assert.Equal(t, tt.method, squat.Method)
			}
		})
	}
}

func TestDetectTypoSquatDefaultTargets(t *testing.T) {
	squat, ok := DetectTypoSquat("paypa1.com", nil)
	require.True(t, ok)
	assert.Equal(t, "paypal.com", squat.Target)
	assert.Equal(t, "replaced-char", squat.Method)

	_, ok = DetectTypoSquat("github.com", nil)
	assert.False(t, ok)
}
