package poller

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/fattiesbombom/breathr/internal/telegram"
)

const unknownUser = "Unknown"

// displayName picks the directory key for a sender: the username, then
// the first name, then "Unknown".
func displayName(u *tele.User) string {
	if u == nil {
		return unknownUser
	}
	if s := strings.TrimSpace(u.Username); s != "" {
		return s
	}
	if s := strings.TrimSpace(u.FirstName); s != "" {
		return s
	}
	return unknownUser
}

// reply returns the canned answer for text, or "" when text is not a known
// command. /start matches as a prefix (so "/start foo" and "/start@bot"
// count); /hello and /info must match exactly. Matching ignores case.
func reply(text, username string, addr telegram.ChatID) (command, answer string) {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(t, "/start"):
		return "start", fmt.Sprintf("Welcome %s! Your ID has been obtained and saved automatically. You are now connected!", username)
	case t == "/hello":
		return "hello", fmt.Sprintf("Hello, %s! I have saved your ID.", username)
	case t == "/info":
		return "info", fmt.Sprintf("Your Chat ID is %s. Your username is: %s. I am running on a server.", addr, username)
	default:
		return "", ""
	}
}
