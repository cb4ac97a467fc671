// Package chat defines the wire message types for the newline-delimited
// JSON chat protocol and shared connection helpers.
package chat

import (
	"encoding/json"
	"strings"
)

// clientFrame is one inbound JSON object. Pointer fields distinguish a
// missing key from an empty value so error reasons can match what the
// client actually omitted.
type clientFrame struct {
	Action   *string `json:"action"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Text     *string `json:"text"`
}

// failResponse reports a protocol or authentication error to the
// originating connection only.
type failResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type registerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	UserID  uint64 `json:"user_id"`
}

type loginResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

// chatMessage is the broadcast payload for a chat line.
type chatMessage struct {
	Action string `json:"action"`
	From   string `json:"from"`
	Text   string `json:"text"`
}

type onlineInfo struct {
	Action string   `json:"action"`
	Count  int      `json:"count"`
	Users  []string `json:"users"`
}

// marshalLine serializes v and appends the terminating newline every
// server-to-client frame carries.
func marshalLine(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// All response types marshal cleanly; reaching this means a
		// programming error in the caller.
		panic(err)
	}
	return append(payload, '\n')
}

func failLine(reason string) []byte {
	return marshalLine(failResponse{Status: "fail", Reason: reason})
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
