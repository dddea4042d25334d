package skill

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Deploy With Helm":       "deploy-with-helm",
		"  spaced  out  ":        "spaced-out",
		"already-clean":          "already-clean",
		"Mixed_Case__Separators": "mixed-case-separators",
		"émoji🚀launch":           "moji-launch",
		"---":                    "",
		"v2.1 rollout!":          "v2-1-rollout",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}
