// Package dispatch resolves usernames through the directory and sends
// messages to the resolved chat. Outbound sends run behind a circuit
// breaker so a failing platform is not hammered by every request.
package dispatch
