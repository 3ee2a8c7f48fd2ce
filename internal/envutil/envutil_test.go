package envutil

import (
	"slices"
	"testing"
)

func TestGet(t *testing.T) {
	env := []string{"A=1", "EMPTY=", "NOEQ", "A=2", "URL=socks5://x?a=b"}
	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{"A", "2", true},
		{"EMPTY", "", true},
		{"NOEQ", "", true},
		{"URL", "socks5://x?a=b", true},
		{"MISSING", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := Get(env, tt.key)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Get(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{"override in place", []string{"A=1", "B=2"}, []string{"A=99"}, []string{"A=99", "B=2"}},
		{"append new", []string{"A=1"}, []string{"B=2"}, []string{"A=1", "B=2"}},
		{"mixed", []string{"A=1", "B=2"}, []string{"C=3", "B=99"}, []string{"A=1", "B=99", "C=3"}},
		{"nil base", nil, []string{"A=1"}, []string{"A=1"}},
		{"nil overrides", []string{"A=1"}, nil, []string{"A=1"}},
		{"both empty", nil, nil, []string{}},
		{"last override wins", []string{"A=1"}, []string{"B=first", "B=second"}, []string{"A=1", "B=second"}},
		{"duplicate base key collapses", []string{"A=1", "X=0", "A=2"}, []string{"A=3"}, []string{"A=3", "X=0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := slices.Clone(tt.base)
			got := MergeEnv(tt.base, tt.overrides)
			if !slices.Equal(got, tt.want) {
				t.Errorf("MergeEnv() = %v, want %v", got, tt.want)
			}
			if !slices.Equal(tt.base, base) {
				t.Errorf("base modified: %v", tt.base)
			}
		})
	}
}
