package drive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryEscape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Telegram Uploads", want: "Telegram Uploads"},
		{name: "single quote", in: "bob's files", want: `bob\'s files`},
		{name: "backslash", in: `a\b`, want: `a\\b`},
		{name: "backslash before quote", in: `a\'b`, want: `a\\\'b`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, queryEscape(tt.in))
		})
	}
}
