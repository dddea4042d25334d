package skill

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/acontext-io/acontext/internal/store"
)

// Library exposes skill-file operations over the persistence layer. Every
// method takes the caller's queries handle so the skill agent can run file
// edits inside its iteration transaction.
type Library struct{}

// splitFilePath breaks "/sub/dir/file.md" into the artifact (path, filename)
// pair. Paths are rooted at the skill disk.
func splitFilePath(filePath string) (string, string, error) {
	cleaned := path.Clean("/" + strings.TrimPrefix(filePath, "/"))
	dir, file := path.Split(cleaned)
	if file == "" {
		return "", "", fmt.Errorf("file path %q has no filename", filePath)
	}
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}
	return dir, file, nil
}

// CreateSkill parses a SKILL.md document, provisions the skill's disk with
// the document at /SKILL.md, inserts the skill row, and links it into the
// learning space. The sanitized front-matter name must be unique within the
// project.
func (Library) CreateSkill(ctx context.Context, q *store.Queries, projectID, spaceID, skillMD string) (*store.AgentSkill, error) {
	meta, _, err := ParseSkillMD(skillMD)
	if err != nil {
		return nil, err
	}
	name := SanitizeName(meta.Name)
	if name == "" {
		return nil, fmt.Errorf("skill name %q sanitizes to empty", meta.Name)
	}

	if _, err := q.GetSkillByName(ctx, projectID, name); err == nil {
		return nil, fmt.Errorf("skill %q already exists", name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	disk := &store.Disk{ProjectID: projectID, Name: "skill-" + name}
	if err := q.CreateDisk(ctx, disk); err != nil {
		return nil, err
	}
	if err := q.UpsertArtifact(ctx, &store.Artifact{
		DiskID:   disk.ID,
		Path:     "/",
		Filename: "SKILL.md",
		AssetMeta: store.AssetMeta{
			MIME:       "text/markdown",
			SizeBytes:  int64(len(skillMD)),
			InlineText: skillMD,
		},
	}); err != nil {
		return nil, err
	}

	sk := &store.AgentSkill{
		ProjectID:   projectID,
		DiskID:      disk.ID,
		Name:        name,
		Description: meta.Description,
	}
	if err := q.CreateSkill(ctx, sk); err != nil {
		return nil, err
	}
	if spaceID != "" {
		if err := q.LinkSkillToSpace(ctx, spaceID, sk.ID); err != nil {
			return nil, err
		}
	}
	return sk, nil
}

// GetSkill loads a skill by name together with its file listing.
func (Library) GetSkill(ctx context.Context, q *store.Queries, projectID, name string) (*store.AgentSkill, []*store.Artifact, error) {
	sk, err := q.GetSkillByName(ctx, projectID, SanitizeName(name))
	if err != nil {
		return nil, nil, err
	}
	files, err := q.ListArtifacts(ctx, sk.DiskID)
	if err != nil {
		return nil, nil, err
	}
	return sk, files, nil
}

// GetSkillFile returns the text content of a skill file.
func (l Library) GetSkillFile(ctx context.Context, q *store.Queries, projectID, skillName, filePath string) (string, error) {
	sk, err := q.GetSkillByName(ctx, projectID, SanitizeName(skillName))
	if err != nil {
		return "", err
	}
	dir, file, err := splitFilePath(filePath)
	if err != nil {
		return "", err
	}
	art, err := q.GetArtifact(ctx, sk.DiskID, dir, file)
	if err != nil {
		return "", err
	}
	return art.AssetMeta.InlineText, nil
}

// CreateSkillFile writes a new file on the skill's disk. Writing /SKILL.md
// re-parses the front-matter and refreshes the skill row.
func (l Library) CreateSkillFile(ctx context.Context, q *store.Queries, projectID, skillName, filePath, content string) error {
	sk, err := q.GetSkillByName(ctx, projectID, SanitizeName(skillName))
	if err != nil {
		return err
	}
	return l.writeFile(ctx, q, sk, filePath, content)
}

// StrReplaceSkillFile replaces exactly one occurrence of oldString in the
// file. Zero or multiple occurrences are an error.
func (l Library) StrReplaceSkillFile(ctx context.Context, q *store.Queries, projectID, skillName, filePath, oldString, newString string) error {
	sk, err := q.GetSkillByName(ctx, projectID, SanitizeName(skillName))
	if err != nil {
		return err
	}
	dir, file, err := splitFilePath(filePath)
	if err != nil {
		return err
	}
	art, err := q.GetArtifact(ctx, sk.DiskID, dir, file)
	if err != nil {
		return err
	}

	content := art.AssetMeta.InlineText
	switch n := strings.Count(content, oldString); {
	case oldString == "":
		return fmt.Errorf("old_string must not be empty")
	case n == 0:
		return fmt.Errorf("old_string not found in %s", filePath)
	case n > 1:
		return fmt.Errorf("old_string occurs %d times in %s, must be unique", n, filePath)
	}
	return l.writeFile(ctx, q, sk, filePath, strings.Replace(content, oldString, newString, 1))
}

// DeleteSkillFile removes a file from the skill's disk. /SKILL.md cannot be
// deleted.
func (Library) DeleteSkillFile(ctx context.Context, q *store.Queries, projectID, skillName, filePath string) error {
	sk, err := q.GetSkillByName(ctx, projectID, SanitizeName(skillName))
	if err != nil {
		return err
	}
	dir, file, err := splitFilePath(filePath)
	if err != nil {
		return err
	}
	if dir == "/" && file == "SKILL.md" {
		return fmt.Errorf("SKILL.md cannot be deleted")
	}
	return q.DeleteArtifact(ctx, sk.DiskID, dir, file)
}

func (Library) writeFile(ctx context.Context, q *store.Queries, sk *store.AgentSkill, filePath, content string) error {
	dir, file, err := splitFilePath(filePath)
	if err != nil {
		return err
	}
	if dir == "/" && file == "SKILL.md" {
		meta, _, err := ParseSkillMD(content)
		if err != nil {
			return err
		}
		if SanitizeName(meta.Name) != sk.Name {
			return fmt.Errorf("SKILL.md name %q does not match skill %q", meta.Name, sk.Name)
		}
		if err := q.UpdateSkillDescription(ctx, sk.ID, meta.Description); err != nil {
			return err
		}
	}
	return q.UpsertArtifact(ctx, &store.Artifact{
		DiskID:   sk.DiskID,
		Path:     dir,
		Filename: file,
		AssetMeta: store.AssetMeta{
			MIME:       "text/markdown",
			SizeBytes:  int64(len(content)),
			InlineText: content,
		},
	})
}

// RenderAvailableSkills builds the "Available Skills" section seeded into the
// learn agent's first user message.
func (Library) RenderAvailableSkills(ctx context.Context, q *store.Queries, spaceID string) (string, error) {
	skills, err := q.ListSkillsBySpace(ctx, spaceID)
	if err != nil {
		return "", err
	}
	if len(skills) == 0 {
		return "No skills exist in this learning space yet.\n", nil
	}
	var b strings.Builder
	for _, sk := range skills {
		files, err := q.ListArtifacts(ctx, sk.DiskID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "- %s: %s\n", sk.Name, sk.Description)
		for _, f := range files {
			fmt.Fprintf(&b, "  - %s\n", f.FullPath())
		}
	}
	return b.String(), nil
}
