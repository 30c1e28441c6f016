package enums

import "testing"

func TestParseItemStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    ItemStatus
		wantErr bool
	}{
		{in: "greenware", want: ItemStatusGreenware},
		{in: " Bisque ", want: ItemStatusBisque},
		{in: "FINAL", want: ItemStatusFinal},
		{in: "glazed", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseItemStatus(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseItemStatus(%q) = %q, %v", tt.in, got, err)
		}
		if !got.IsValid() {
			t.Fatalf("%q should be valid", got)
		}
	}
	if ItemStatus("raku").IsValid() {
		t.Fatalf("unknown status reported valid")
	}
}
