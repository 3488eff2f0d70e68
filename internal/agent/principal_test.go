package agent

import (
	"strings"
	"testing"
)

func TestPrincipalText(t *testing.T) {
	t.Run("management_canister", func(t *testing.T) {
		if got := PrincipalText(nil); got != "aaaaa-aa" {
			t.Fatalf("PrincipalText(nil) = %q; want %q", got, "aaaaa-aa")
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
		if PrincipalText(raw) != PrincipalText(raw) {
			t.Fatalf("PrincipalText not deterministic for %x", raw)
		}
	})

	t.Run("dash_grouping", func(t *testing.T) {
		got := PrincipalText([]byte{0xab, 0xcd, 0xef})
		for _, group := range strings.Split(got, "-") {
			if len(group) == 0 || len(group) > 5 {
				t.Fatalf("PrincipalText() = %q; group %q out of bounds", got, group)
			}
		}
		if strings.ToLower(got) != got {
			t.Fatalf("PrincipalText() = %q; want lowercase", got)
		}
	})

	t.Run("distinct_inputs_distinct_text", func(t *testing.T) {
		if PrincipalText([]byte{1}) == PrincipalText([]byte{2}) {
			t.Fatalf("distinct principals rendered identically")
		}
	})
}
