package profile

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work-1", "a_b", "x"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	invalid := []string{"", "Has Space", "UPPER", "sl/ash", "dot.dot"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestResolveFlagWins(t *testing.T) {
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve = %q, want override", got)
	}
}
