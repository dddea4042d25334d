package skill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSkillMD = `---
name: deploy-with-helm
description: Roll out a service with helm upgrade --install.
---
# Deploy with Helm

Run the chart from deploy/chart.
`

func TestParseSkillMD(t *testing.T) {
	meta, body, err := ParseSkillMD(sampleSkillMD)
	require.NoError(t, err)
	assert.Equal(t, "deploy-with-helm", meta.Name)
	assert.Equal(t, "Roll out a service with helm upgrade --install.", meta.Description)
	assert.Contains(t, body, "# Deploy with Helm")
	assert.NotContains(t, body, "---")
}

func TestParseSkillMDErrors(t *testing.T) {
	cases := map[string]string{
		"no front-matter":     "# Just markdown\n",
		"unclosed":            "---\nname: x\ndescription: y\n",
		"missing name":        "---\ndescription: y\n---\nbody\n",
		"missing description": "---\nname: x\n---\nbody\n",
		"invalid yaml":        "---\nname: [\n---\nbody\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseSkillMD(content)
			assert.Error(t, err)
		})
	}
}

func TestParseSkillMDLeadingWhitespace(t *testing.T) {
	meta, _, err := ParseSkillMD("\n\n" + sampleSkillMD)
	require.NoError(t, err)
	assert.Equal(t, "deploy-with-helm", meta.Name)
}
