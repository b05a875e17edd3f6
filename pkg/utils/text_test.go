package utils

import (
	"testing"
)

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string unchanged")
	}
	if Truncate("hello world", 5) != "hello..." {
		t.Errorf("got %s", Truncate("hello world", 5))
	}
	if Truncate("x", 0) != "x" {
		t.Error("maxLen 0 returns as-is")
	}
	if got := Truncate("añoñí", 3); got != "año..." {
		t.Errorf("rune truncation got %q", got)
	}
}

func TestNormalizeQuery(t *testing.T) {
	tests := map[string]string{
		"  Fuga   de\tAGUA \n": "fuga de agua",
		"fuga de agua":         "fuga de agua",
		"":                     "",
	}
	for in, want := range tests {
		if got := NormalizeQuery(in); got != want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
