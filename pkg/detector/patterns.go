package detector

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Observation sources, in matcher priority order.
const (
	SourceQueryHex   = "query_hex"
	SourceQueryUUID  = "query_uuid"
	SourceJSONField  = "json_field"
	SourcePath       = "path"
	SourceHeader     = "header"
	SourceMiddleware = "middleware"
)

type matcher struct {
	source string
	re     *regexp.Regexp
}

// Go regexp has no lookahead, so each pattern consumes one trailing boundary
// character instead.
var matchers = []matcher{
	{SourceQueryHex, regexp.MustCompile(`session_id=([0-9a-fA-F]{32})(?:[^0-9a-fA-F-]|$)`)},
	{SourceQueryUUID, regexp.MustCompile(`session_id=([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})(?:[^0-9a-fA-F-]|$)`)},
	{SourceJSONField, regexp.MustCompile(`"session_id"\s*:\s*"([0-9a-fA-F-]+)"`)},
	{SourcePath, regexp.MustCompile(`/(?:sessions?|messages)/([0-9a-fA-F-]{32,36})(?:[/?#\s"']|$)`)},
	{SourceHeader, regexp.MustCompile(`(?i)(?:mcp-session-id|session-id|session_id)["']?\s*:\s*["']?([0-9a-f-]{32,36})(?:[^0-9a-f-]|$)`)},
}

var keywords = []string{"session", "messages"}

var (
	reIPv4      = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	reUserAgent = regexp.MustCompile(`(?i)user-agent['"]?\s*[:=]\s*['"]([^'"]+)['"]`)
	reBearer    = regexp.MustCompile(`(?i)"?authorization"?\s*:\s*"?bearer\s+([a-zA-Z0-9._-]+)`)
	reAPIKey    = regexp.MustCompile(`(?i)apikey\s+([a-zA-Z0-9._-]+)`)
)

// ValidSessionID accepts a 32 char hex token or a 36 char hyphenated UUID.
func ValidSessionID(id string) bool {
	switch len(id) {
	case 32:
		for _, c := range id {
			if !isHex(c) {
				return false
			}
		}
		return true
	case 36:
		_, err := uuid.Parse(id)
		return err == nil
	}
	return false
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// mentionsSession is the cheap check run before any regexp.
func mentionsSession(line string) bool {
	lower := strings.ToLower(line)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Match runs the matchers in priority order and returns the first session id
// found. matched reports whether some pattern hit at all, so a hit carrying a
// malformed id can be told apart from a line with no session in it.
func Match(line string) (sessionID, source string, matched bool) {
	if !mentionsSession(line) {
		return "", "", false
	}
	for _, m := range matchers {
		sub := m.re.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		matched = true
		if ValidSessionID(sub[1]) {
			return sub[1], m.source, true
		}
	}
	return "", "", matched
}

// userInfo pulls whatever caller hints a telemetry line carries.
type userInfo struct {
	ip        string
	userAgent string
	bearer    string
	apiKey    string
}

func extractUserInfo(line string) userInfo {
	var u userInfo
	if m := reIPv4.FindStringSubmatch(line); m != nil {
		u.ip = m[1]
	}
	if m := reUserAgent.FindStringSubmatch(line); m != nil {
		u.userAgent = m[1]
	}
	if m := reBearer.FindStringSubmatch(line); m != nil {
		u.bearer = m[1]
	}
	if m := reAPIKey.FindStringSubmatch(line); m != nil {
		u.apiKey = m[1]
	}
	return u
}
