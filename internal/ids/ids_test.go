package ids

import (
	"sort"
	"testing"
)

func TestNewIsSortableAndValid(t *testing.T) {
	generated := make([]string, 100)
	for i := range generated {
		generated[i] = New()
	}
	if !sort.StringsAreSorted(generated) {
		t.Fatalf("ids generated in sequence are not lexicographically sorted")
	}
	seen := map[string]bool{}
	for _, id := range generated {
		if !Valid(id) {
			t.Fatalf("Valid(%q)=false", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-an-id", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(s) {
			t.Fatalf("Valid(%q)=true", s)
		}
	}
}
