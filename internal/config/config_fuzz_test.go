package config

import "testing"

func FuzzSplitList(f *testing.F) {
	f.Add("cb1:8091,cb2:8091")
	f.Add(" , ,")
	f.Add("")
	f.Fuzz(func(t *testing.T, s string) {
		for _, item := range splitList([]string{s}) {
			if item == "" {
				t.Fatalf("blank entry from %q", s)
			}
		}
	})
}
