// Package lemmy carries the thin wire subset the bot runtime needs: frame
// framing, operation tags, request builders, and bulk-response decoding.
// The full client surface of the platform lives outside this repository.
package lemmy

import (
	"encoding/json"
	"strings"
)

// Op tags a websocket frame with the operation it carries. Responses reuse
// the operation tag of the request that produced them; the protocol has no
// client-supplied correlation id on list fetches.
type Op string

const (
	OpLogin                        Op = "Login"
	OpGetPosts                     Op = "GetPosts"
	OpGetComments                  Op = "GetComments"
	OpGetPrivateMessages           Op = "GetPrivateMessages"
	OpGetPersonMentions            Op = "GetPersonMentions"
	OpGetReplies                   Op = "GetReplies"
	OpListPostReports              Op = "ListPostReports"
	OpListCommentReports           Op = "ListCommentReports"
	OpListRegistrationApplications Op = "ListRegistrationApplications"
	OpGetModlog                    Op = "GetModlog"
	OpGetPost                      Op = "GetPost"
	OpGetComment                   Op = "GetComment"
	OpSearch                       Op = "Search"
)

// Frame is one websocket message in either direction. Exactly one JSON
// object per frame; an error frame carries a machine-readable code instead
// of data.
type Frame struct {
	Op    Op              `json:"op"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// EncodeFrame marshals an outbound request frame.
func EncodeFrame(op Op, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Op: op, Data: data})
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

var sessionExpiredCodes = map[string]struct{}{
	"not_logged_in":     {},
	"not_authenticated": {},
}

var badCredentialCodes = map[string]struct{}{
	"incorrect_login":                     {},
	"password_incorrect":                  {},
	"couldnt_find_that_username_or_email": {},
	"bad credentials":                     {},
}

// IsSessionExpired reports whether an error code means the session token is
// no longer accepted and a fresh login should be issued.
func IsSessionExpired(code string) bool {
	_, ok := sessionExpiredCodes[normalizeErrorCode(code)]
	return ok
}

// IsBadCredentials reports whether an error code means the configured
// credentials are wrong. This is not recoverable by retrying.
func IsBadCredentials(code string) bool {
	_, ok := badCredentialCodes[normalizeErrorCode(code)]
	return ok
}

func normalizeErrorCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
