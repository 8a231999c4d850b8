package access

import "testing"

func TestAllowlist(t *testing.T) {
	a := NewAllowlist([]int64{7251827244, 1})

	tests := []struct {
		id   int64
		want bool
	}{
		{7251827244, true},
		{1, true},
		{2, false},
		{0, false},
	}
	for _, tt := range tests {
		if got := a.IsAuthorized(tt.id); got != tt.want {
			t.Errorf("IsAuthorized(%d) = %v, want %v", tt.id, got, tt.want)
		}
	}
	if len(a.IDs()) != 2 {
		t.Fatalf("expected 2 ids, got %v", a.IDs())
	}
}

func TestNilAllowlistDeniesEveryone(t *testing.T) {
	var a *Allowlist
	if a.IsAuthorized(1) {
		t.Fatal("nil allowlist must deny")
	}
}
