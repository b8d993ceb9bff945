package user

import "testing"

func TestDailyMessageLimit(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]any
		want     int
		wantSome bool
	}{
		{name: "json number", meta: map[string]any{MetaDailyMessageLimit: float64(200)}, want: 200, wantSome: true},
		{name: "int", meta: map[string]any{MetaDailyMessageLimit: 7}, want: 7, wantSome: true},
		{name: "absent", meta: map[string]any{}},
		{name: "zero", meta: map[string]any{MetaDailyMessageLimit: float64(0)}},
		{name: "fractional", meta: map[string]any{MetaDailyMessageLimit: 2.5}},
		{name: "string", meta: map[string]any{MetaDailyMessageLimit: "100"}},
		{name: "nil metadata", meta: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &User{Metadata: tt.meta}
			got, ok := u.DailyMessageLimit().Get()
			if ok != tt.wantSome {
				t.Fatalf("expected present=%v, got %v", tt.wantSome, ok)
			}
			if ok && got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCreditExempt(t *testing.T) {
	if (&User{}).CreditExempt() {
		t.Fatal("expected users without metadata to be billable")
	}
	if !(&User{Metadata: map[string]any{MetaCreditExempt: true}}).CreditExempt() {
		t.Fatal("expected credit_exempt=true to exempt the user")
	}
	if (&User{Metadata: map[string]any{MetaCreditExempt: "yes"}}).CreditExempt() {
		t.Fatal("expected non-boolean flag to be ignored")
	}
}
