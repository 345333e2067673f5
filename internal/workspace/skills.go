package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a plaintext capability document with YAML frontmatter.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Body        string   `yaml:"-"`
	Slug        string   `yaml:"-"`
}

// Skills loads every skill under skills/<slug>/SKILL.md. Documents that fail
// to parse are skipped.
func (w *Workspace) Skills() ([]Skill, error) {
	dir, err := w.Path("skills")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var skills []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := w.ReadFile(filepath.Join("skills", e.Name(), "SKILL.md"))
		if err != nil {
			continue
		}
		skill, ok := ParseSkill(string(data))
		if !ok {
			continue
		}
		skill.Slug = e.Name()
		skills = append(skills, skill)
	}
	return skills, nil
}

// WriteSkill persists a skill document under skills/<slug>/SKILL.md.
func (w *Workspace) WriteSkill(skill Skill) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	slug := skill.Slug
	if slug == "" {
		slug = SanitizeSlug(skill.Name)
	}
	front, err := yaml.Marshal(map[string]any{
		"name":        skill.Name,
		"description": skill.Description,
		"triggers":    skill.Triggers,
	})
	if err != nil {
		return err
	}
	doc := "---\n" + string(front) + "---\n\n" + skill.Body
	return w.WriteFile(filepath.Join("skills", slug, "SKILL.md"), []byte(doc))
}

// CompanyKnowledge returns company/SKILL.md, or "" when absent.
func (w *Workspace) CompanyKnowledge() string { return w.readKnowledge("company/SKILL.md") }

// TeamKnowledge returns team/SKILL.md, or "" when absent.
func (w *Workspace) TeamKnowledge() string { return w.readKnowledge("team/SKILL.md") }

func (w *Workspace) readKnowledge(rel string) string {
	data, err := w.ReadFile(rel)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ParseSkill splits YAML frontmatter from the body. Returns false when the
// document has no frontmatter block or the frontmatter is invalid.
func ParseSkill(doc string) (Skill, bool) {
	var skill Skill
	trimmed := strings.TrimLeft(doc, "\n\r \t")
	if !strings.HasPrefix(trimmed, "---") {
		return skill, false
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return skill, false
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &skill); err != nil {
		return skill, false
	}
	body := rest[end+4:]
	skill.Body = strings.TrimSpace(strings.TrimPrefix(body, "\n"))
	return skill, skill.Name != ""
}
