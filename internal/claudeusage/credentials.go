package claudeusage

import (
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// Subscription describes the plan recorded in Claude Code's credentials.
type Subscription struct {
	Type          string
	RateLimitTier string
}

// AutodetectToken reads the OAuth access token that Claude Code stores in its
// credentials file. It reports false when the file is missing, unreadable or
// has no token.
func AutodetectToken(path string) (string, bool) {
	data, ok := readCredentials(path)
	if !ok {
		return "", false
	}
	token := strings.TrimSpace(gjson.GetBytes(data, "claudeAiOauth.accessToken").String())
	if token == "" {
		return "", false
	}
	return token, true
}

// LoadSubscription returns the subscription details from the credentials
// file, or nil when none are recorded.
func LoadSubscription(path string) *Subscription {
	data, ok := readCredentials(path)
	if !ok {
		return nil
	}
	oauth := gjson.GetBytes(data, "claudeAiOauth")
	if !oauth.IsObject() {
		return nil
	}
	sub := &Subscription{
		Type:          titleCase(oauth.Get("subscriptionType").String()),
		RateLimitTier: oauth.Get("rateLimitTier").String(),
	}
	if sub.Type == "" && sub.RateLimitTier == "" {
		return nil
	}
	return sub
}

func readCredentials(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil || !gjson.ValidBytes(data) {
		return nil, false
	}
	return data, true
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
