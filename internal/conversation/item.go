package conversation

import "strings"

// Fixed role tags. The agent's roles are built from its configured name,
// see ThinkingRole.
const (
	RoleCommand     = "Command"
	RoleObservation = "Observation"
)

// RefusedObservation is recorded in place of command output when the user
// refuses to run the proposed command.
const RefusedObservation = "Illegal command: Command execution refused."

// Item is one turn of a conversation. Fields fill in as the turn
// progresses; only the last item of a transcript may be incomplete.
type Item struct {
	Query               string `json:"query"`
	Thinking            string `json:"thinking,omitempty"`
	Command             string `json:"command,omitempty"`
	Observation         string `json:"observation,omitempty"`
	Reply               string `json:"reply,omitempty"`
	CommandRefused      bool   `json:"command_refused"`
	ObservationReceived bool   `json:"observation_received"`
}

// ThinkingRole is the role under which agent generates its reasoning.
func ThinkingRole(agent string) string {
	return agent + " Thinking"
}

// Tag renders role as it appears in a transcript, e.g. "[Command]:".
func Tag(role string) string {
	return "[" + role + "]:"
}

var fenceLanguages = map[string]bool{
	"bash": true, "sh": true, "shell": true, "zsh": true, "console": true,
}

// cleanCommand strips surrounding whitespace and markdown backticks from a
// generated command, including a fence language tag.
func cleanCommand(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimLeft(s, "`")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && fenceLanguages[strings.TrimSpace(s[:nl])] {
			s = s[nl+1:]
		}
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "`"))
}
