package clock

import "testing"

func TestToISO(t *testing.T) {
	if got := ToISO(0); got != "" {
		t.Errorf("ToISO(0) = %q, want empty", got)
	}
	if got := ToISO(1700000000000); got != "2023-11-14T22:13:20Z" {
		t.Errorf("ToISO = %q", got)
	}
}

func TestMapToISO(t *testing.T) {
	if MapToISO(nil) != nil {
		t.Error("MapToISO(nil) should be nil")
	}
	m := MapToISO(map[string]int64{"u1": 1700000000000, "u2": 0})
	if len(m) != 1 || m["u1"] != "2023-11-14T22:13:20Z" {
		t.Errorf("MapToISO = %v", m)
	}
}
