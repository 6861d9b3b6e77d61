package main

import "testing"

func TestParseDirection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"up", true, false},
		{"down", false, false},
		{"sideways", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := parseDirection(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("parseDirection(%q) = %v, %v", tt.in, got, err)
		}
	}
}
