// Package prompt renders conversation transcripts into completion prompts.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/template"

	"github.com/iishyfishyy/chatterm/internal/conversation"
)

//go:embed prompts/chat-terminal.txt
var defaultSystem string

const transcriptTemplate = `{{range .History}}
[{{$.User}}]: {{.Query}}
{{- if .Thinking}}
[{{$.Agent}} Thinking]: {{.Thinking}}
{{- end}}
{{- if .Command}}
[Command]: {{.Command}}
{{- end}}
{{- if .ObservationReceived}}
[Observation]: {{.Observation}}
{{- end}}
{{- if .Reply}}
[{{$.Agent}}]: {{.Reply}}
{{- end}}
{{- end}}
[{{.Role}}]:`

var transcript = template.Must(template.New("transcript").Parse(transcriptTemplate))

// Composer renders a system prompt followed by the tagged transcript.
// It implements conversation.Composer.
type Composer struct {
	system *template.Template
	user   string
	agent  string
	os     string
	shell  string
}

type data struct {
	User    string
	Agent   string
	OS      string
	Shell   string
	Env     map[string]any
	Role    string
	History []conversation.Item
}

// New parses system as the system prompt template. An empty system uses
// the built-in prompt.
func New(system, user, agent string) (*Composer, error) {
	if strings.TrimSpace(system) == "" {
		system = defaultSystem
	}
	tmpl, err := template.New("system").Option("missingkey=zero").Parse(system)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Composer{
		system: tmpl,
		user:   user,
		agent:  agent,
		os:     runtime.GOOS,
		shell:  shell,
	}, nil
}

// Load reads the system prompt template from path.
func Load(path, user, agent string) (*Composer, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	return New(string(content), user, agent)
}

// Compose renders the prompt that asks the model for role.
func (c *Composer) Compose(role string, history []conversation.Item, env map[string]any) (string, error) {
	d := data{
		User:    c.user,
		Agent:   c.agent,
		OS:      c.os,
		Shell:   c.shell,
		Env:     env,
		Role:    role,
		History: history,
	}

	var sb strings.Builder
	if err := c.system.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	system := strings.TrimSpace(sb.String())

	sb.Reset()
	sb.WriteString(system)
	if err := transcript.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("failed to render transcript: %w", err)
	}
	return sb.String(), nil
}
