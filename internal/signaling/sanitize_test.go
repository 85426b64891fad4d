package signaling

import (
	"strings"
	"testing"
)

func TestSanitizeChatText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"<script>x</script>hi", "scriptx/scripthi"},
		{"a < b > c", "a  b  c"},
		{"javascript:alert(1)", "alert(1)"},
		{"JavaScript:alert(1)", "alert(1)"},
		{"img onerror=steal()", "img steal()"},
		{"img onclick = steal()", "img steal()"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		got := SanitizeChatText(tt.in)
		if got != tt.want {
			t.Errorf("SanitizeChatText(%q)=%q, want %q", tt.in, got, tt.want)
		}
		if strings.ContainsAny(got, "<>") {
			t.Errorf("SanitizeChatText(%q) retained angle brackets: %q", tt.in, got)
		}
	}
}
