package capability

import (
	"reflect"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"Alice", "alice"},
		{"Alice  Liddell", "alice-liddell"},
		{"  --Weird__Name!! ", "weird-name"},
		{"Élodie Dupré", "élodie-dupré"},
		{"app v2.0", "app-v2-0"},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWords(t *testing.T) {
	got := Words("01HZX", "alice@example.com", "Alice Liddell")
	want := []string{"01hzx", "alice", "com", "example", "liddell"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Words = %v, want %v", got, want)
	}
	if w := Words("", "  "); w != nil {
		t.Fatalf("expected nil for empty input, got %v", w)
	}
}
