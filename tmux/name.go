package tmux

import "regexp"

// Session names are derived from the agent type and session id, never
// stored. The id is a uuid, so a pattern match recovers both parts from
// any name the scheme produced.
var sessionNameRe = regexp.MustCompile(
	`^(.+)-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// SessionName returns the deterministic multiplexer session name for an
// agent type and session id.
func SessionName(agentType, sessionID string) string {
	return agentType + "-" + sessionID
}

// ParseSessionName splits a name produced by SessionName back into its
// parts. ok is false for names the scheme did not produce.
func ParseSessionName(name string) (agentType, sessionID string, ok bool) {
	m := sessionNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
