package broker

import "testing"

func TestFilterMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"sport", "sport", true},
		{"sport", "sport/tennis", false},
		{"+", "something", true},
		{"+", "something/else", false},
		{"sport/+/player1", "sport/tennis/player1", true},
		{"sport/tennis/player1/#", "sport/tennis/player1", true},
		{"sport/tennis/player1/#", "sport/tennis/player1/score/wimbledon", true},
	}
	for _, c := range cases {
		f, err := ParseFilter(c.filter)
		if err != nil {
			t.Fatalf("ParseFilter(%q): %v", c.filter, err)
		}
		if got := f.Matches(c.topic); got != c.want {
			t.Errorf("Filter(%q).Matches(%q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestFilterInvalid(t *testing.T) {
	bad := []string{"sport+", "sp+rts", "sport/tennis/#/ranking"}
	for _, s := range bad {
		if _, err := ParseFilter(s); err == nil {
			t.Errorf("ParseFilter(%q) = nil error, want error", s)
		}
	}
}
