package commands

import (
	"reflect"
	"testing"
)

func TestArgumentView_Parse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single", "foo", []string{"foo"}},
		{"two words", "foo bar", []string{"foo", "bar"}},
		{"leading space", " foo bar", []string{"foo", "bar"}},
		{"trailing space", "foo bar ", []string{"foo", "bar"}},
		{"quoted first", "'foo' bar", []string{"foo", "bar"}},
		{"quoted last", "foo 'bar'", []string{"foo", "bar"}},
		{"quoted middle", "foo 'bar' baz", []string{"foo", "bar", "baz"}},
		{"quoted span", "foo 'bar baz'", []string{"foo", "bar baz"}},
		{"quoted span then word", "foo 'bar baz' qux", []string{"foo", "bar baz", "qux"}},
		{"two spans", "foo 'bar baz' qux 'quux corge'", []string{"foo", "bar baz", "qux", "quux corge"}},
		{"double quotes", `1 "2 3" 4`, []string{"1", "2 3", "4"}},
		{"backticks", "run `echo hi`", []string{"run", "echo hi"}},
		{"other glyph inside span is literal", `"it's here"`, []string{"it's here"}},
		{"escaped quote keeps backslash", `say \"hi`, []string{"say", `\"hi`}},
		{"unterminated quote absorbs rest", `a "b c`, []string{"a", "b c"}},
		{"empty quotes dropped", `a "" b`, []string{"a", "b"}},
		{"runs of whitespace", "a \t\n  b", []string{"a", "b"}},
		{"empty input", "", nil},
		{"only whitespace", "   ", nil},
		{"unicode", "héllo 'wörld x'", []string{"héllo", "wörld x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewArgumentView(tt.input).Parse()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestArgumentView_ParseTwice(t *testing.T) {
	view := NewArgumentView("a 'b c'")
	first := view.Parse()
	second := view.Parse()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second Parse = %q, want %q", second, first)
	}
	if !view.EOF() {
		t.Error("expected EOF after Parse")
	}
	if !reflect.DeepEqual(view.Arguments(), first) {
		t.Errorf("Arguments() = %q, want %q", view.Arguments(), first)
	}
}
