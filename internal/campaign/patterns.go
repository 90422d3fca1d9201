package campaign

import (
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// BehaviorPattern is one entry in the signature library stage 4 matches
// against payloads and user-agents. Wildcard supports "*" and "?" per
// github.com/IGLOU-EU/go-wildcard/v2, letting the table express loose
// signatures ("*Mirai*", "sqlmap/*") without hand-rolled glob matching.
type BehaviorPattern struct {
	Name     string
	Wildcard string
}

// DefaultPatterns is the baked-in signature library; operators can extend it
// via Config.Patterns.
func DefaultPatterns() []BehaviorPattern {
	return []BehaviorPattern{
		{Name: "mirai_botnet", Wildcard: "*Mirai*"},
		{Name: "sqlmap_scan", Wildcard: "sqlmap/*"},
		{Name: "log4shell_probe", Wildcard: "*jndi:ldap*"},
		{Name: "wordpress_xmlrpc_brute", Wildcard: "*xmlrpc.php*"},
		{Name: "cowrie_default_creds", Wildcard: "*root:root*"},
		{Name: "masscan_ua", Wildcard: "masscan*"},
		{Name: "go_http_client_ua", Wildcard: "Go-http-client/*"},
	}
}

// matchPattern reports which pattern name, if any, matches value.
func matchPattern(patterns []BehaviorPattern, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	for _, p := range patterns {
		if wildcard.Match(p.Wildcard, value) {
			return p.Name, true
		}
	}
	return "", false
}

// candidateStrings pulls the fields stage 4 inspects out of an event.
func candidateStrings(userAgent, payload string) []string {
	out := make([]string, 0, 2)
	if strings.TrimSpace(userAgent) != "" {
		out = append(out, userAgent)
	}
	if strings.TrimSpace(payload) != "" {
		out = append(out, payload)
	}
	return out
}
