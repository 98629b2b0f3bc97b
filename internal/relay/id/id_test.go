package id_test

import (
	"regexp"
	"testing"

	"github.com/homecast/homecast/internal/relay/id"
)

func TestGenerate_Format(t *testing.T) {
	re := regexp.MustCompile(`^[A-Za-z0-9]{24}$`)
	for range 100 {
		v := id.Generate()
		if !re.MatchString(v) {
			t.Fatalf("id %q does not match expected format", v)
		}
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		v := id.Generate()
		if seen[v] {
			t.Fatalf("duplicate id generated: %q", v)
		}
		seen[v] = true
	}
}

func TestUserID_HexAddressablePrefix(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{8}$`)
	for range 100 {
		v := id.UserID()
		if !re.MatchString(v[:8]) {
			t.Fatalf("user id prefix %q is not 8 hex characters", v[:8])
		}
	}
}

func TestSlotToken_Format(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9]{4}$`)
	for range 100 {
		v := id.SlotToken()
		if !re.MatchString(v) {
			t.Fatalf("slot token %q does not match expected format", v)
		}
	}
}
