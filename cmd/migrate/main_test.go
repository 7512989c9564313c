package main

import "testing"

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_init.up.sql", 1, false},
		{"012_add_index.up.sql", 12, false},
		{"init.up.sql", 0, true},
		{"abc_init.up.sql", 0, true},
	}
	for _, tc := range tests {
		got, err := versionFromFile(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}
