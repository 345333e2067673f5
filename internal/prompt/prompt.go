// Package prompt assembles the system prompt as a static prefix plus a
// dynamic suffix. The prefix is byte-stable across requests in a workspace
// so provider-side prompt caches can hit on it; everything request-specific
// lives in the suffix.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucy-agent/lucy/internal/workspace"
)

// MaxSkillChars caps total skill content injected into one prompt.
const MaxSkillChars = 8000

// MaxSkills caps how many skills a single message can pull in.
const MaxSkills = 3

const personalityDoc = `You are Lucy, an AI coworker embedded in this team's chat.
You are direct, warm, and concise. You talk like a competent colleague, not a
chatbot. You never mention internal tooling, file paths, or model names.
When you don't know something you say so and propose how to find out.`

const behaviorDoc = `Operating rules:
- Answer in the channel's language and register.
- Prefer doing over describing: if a tool can resolve the ask, use it.
- Never fabricate data. If a lookup fails, say what you tried in plain words.
- Keep replies short unless the task genuinely needs length.`

const toolUseModule = `Tool use:
- Call tools instead of narrating what you would do.
- Batch independent calls in one turn when possible.
- If a tool errors, read the error and adapt; do not repeat the same call
  with identical arguments.`

const memoryModule = `Memory:
- Session facts below are things learned recently about this team. Treat
  them as true unless contradicted.
- Save durable facts you learn with the remember tool.`

// Intent-specific modules attached to the dynamic suffix.
var intentModules = map[string]string{
	"coding": `Coding tasks:
- Run code in the workbench to verify before presenting it.
- Show the final artifact, not the intermediate attempts.`,
	"research": `Research tasks:
- Gather from more than one source before concluding.
- Separate what the sources say from your own read on it.`,
	"data-tasks": `Data tasks:
- Pull real numbers; never illustrate with invented figures.
- State the time range and source of every metric you report.`,
	"integrations": `Connected services:
- Check the connection before assuming a service is available.
- If a needed service is not connected, offer the connect flow.`,
}

// Input carries the request-specific pieces of one prompt.
type Input struct {
	Message           string
	Modules           []string // from classification
	ConnectedServices []string
	CustomIntegration string // per-workspace extra tooling notes
	IsScheduled       bool
}

// Prompt is the assembled system prompt, split so callers can see the
// cacheable prefix boundary.
type Prompt struct {
	Static  string
	Dynamic string
}

func (p Prompt) String() string {
	if p.Dynamic == "" {
		return p.Static
	}
	return p.Static + "\n\n" + p.Dynamic
}

// Assembler builds prompts for workspaces, caching skill documents.
type Assembler struct {
	skills *SkillCache
}

func NewAssembler(cache *SkillCache) *Assembler {
	return &Assembler{skills: cache}
}

// Assemble produces the system prompt for one request.
func (a *Assembler) Assemble(ws *workspace.Workspace, in Input) Prompt {
	var static strings.Builder
	static.WriteString(personalityDoc)
	static.WriteString("\n\n")
	static.WriteString(behaviorDoc)
	static.WriteString("\n\n")
	static.WriteString(toolUseModule)
	static.WriteString("\n\n")
	static.WriteString(memoryModule)
	if len(in.ConnectedServices) > 0 {
		services := append([]string(nil), in.ConnectedServices...)
		sort.Strings(services)
		static.WriteString("\n\nConnected services: ")
		static.WriteString(strings.Join(services, ", "))
	}
	static.WriteString("\n\nYou can send email and publish small web pages when a task calls for it.")

	var dynamic strings.Builder
	for _, mod := range in.Modules {
		if text, ok := intentModules[mod]; ok {
			if dynamic.Len() > 0 {
				dynamic.WriteString("\n\n")
			}
			dynamic.WriteString(text)
		}
	}
	if in.CustomIntegration != "" {
		if dynamic.Len() > 0 {
			dynamic.WriteString("\n\n")
		}
		dynamic.WriteString("Workspace integrations:\n")
		dynamic.WriteString(in.CustomIntegration)
	}
	if in.IsScheduled {
		if dynamic.Len() > 0 {
			dynamic.WriteString("\n\n")
		}
		dynamic.WriteString("This run was started by a schedule, not a person. Nobody is waiting to answer questions.")
	}

	if a.skills != nil {
		all := a.skills.Skills(ws)
		for _, sk := range DetectRelevantSkills(in.Message, all) {
			if dynamic.Len() > 0 {
				dynamic.WriteString("\n\n")
			}
			fmt.Fprintf(&dynamic, "Skill: %s\n%s", sk.Name, sk.Body)
		}
	}

	if company := ws.CompanyKnowledge(); company != "" {
		dynamic.WriteString("\n\nCompany knowledge:\n")
		dynamic.WriteString(company)
	}
	if team := ws.TeamKnowledge(); team != "" {
		dynamic.WriteString("\n\nTeam knowledge:\n")
		dynamic.WriteString(team)
	}

	return Prompt{Static: static.String(), Dynamic: strings.TrimSpace(dynamic.String())}
}

// DetectRelevantSkills picks at most MaxSkills skills whose trigger keywords
// appear in the message, ranked by match count, with total body content
// capped at MaxSkillChars.
func DetectRelevantSkills(message string, skills []workspace.Skill) []workspace.Skill {
	lower := strings.ToLower(message)

	type scored struct {
		skill workspace.Skill
		hits  int
	}
	var candidates []scored
	for _, sk := range skills {
		hits := 0
		for _, trig := range sk.Triggers {
			trig = strings.ToLower(strings.TrimSpace(trig))
			if trig != "" && strings.Contains(lower, trig) {
				hits++
			}
		}
		if hits > 0 {
			candidates = append(candidates, scored{sk, hits})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].hits > candidates[j].hits
	})

	var out []workspace.Skill
	budget := MaxSkillChars
	for _, c := range candidates {
		if len(out) == MaxSkills {
			break
		}
		body := c.skill.Body
		if len(body) > budget {
			body = body[:budget]
		}
		if body == "" {
			continue
		}
		sk := c.skill
		sk.Body = body
		out = append(out, sk)
		budget -= len(body)
		if budget <= 0 {
			break
		}
	}
	return out
}
