package skill

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillMeta is the YAML front-matter of /SKILL.md, the authoritative source
// of a skill's name and description.
type SkillMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

const frontMatterDelim = "---"

// ParseSkillMD splits a SKILL.md document into its front-matter and body.
// The document must start with a `---` fence.
func ParseSkillMD(content string) (*SkillMeta, string, error) {
	trimmed := strings.TrimLeft(content, "\n\r \t")
	if !strings.HasPrefix(trimmed, frontMatterDelim) {
		return nil, "", fmt.Errorf("SKILL.md must start with YAML front-matter")
	}
	rest := strings.TrimPrefix(trimmed, frontMatterDelim)
	idx := strings.Index(rest, "\n"+frontMatterDelim)
	if idx < 0 {
		return nil, "", fmt.Errorf("SKILL.md front-matter is not closed")
	}

	var meta SkillMeta
	if err := yaml.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return nil, "", fmt.Errorf("invalid SKILL.md front-matter: %w", err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return nil, "", fmt.Errorf("SKILL.md front-matter is missing name")
	}
	if strings.TrimSpace(meta.Description) == "" {
		return nil, "", fmt.Errorf("SKILL.md front-matter is missing description")
	}

	body := rest[idx+len("\n"+frontMatterDelim):]
	body = strings.TrimPrefix(body, "\n")
	return &meta, body, nil
}
