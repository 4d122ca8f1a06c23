package lemmy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoginRequest authenticates the bot account. The reply carries the
// session JWT used on subsequent authenticated fetches.
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
}

// LoginResponse is the payload of a successful Login reply.
type LoginResponse struct {
	JWT string `json:"jwt"`
}

type listRequest struct {
	Sort       string `json:"sort,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	UnreadOnly *bool  `json:"unread_only,omitempty"`
	Auth       string `json:"auth,omitempty"`
}

type singleRequest struct {
	ID   int64  `json:"id"`
	Auth string `json:"auth,omitempty"`
}

// SearchRequest resolves names to internal identifiers via the platform's
// bulk search; the reply carries every matching user and community.
type SearchRequest struct {
	Q     string `json:"q"`
	Type  string `json:"type_"`
	Sort  string `json:"sort,omitempty"`
	Limit int    `json:"limit,omitempty"`
	Auth  string `json:"auth,omitempty"`
}

const (
	SearchTypeUsers       = "Users"
	SearchTypeCommunities = "Communities"

	defaultListLimit = 50
)

// EncodeLogin builds a Login frame.
func EncodeLogin(usernameOrEmail, password string) ([]byte, error) {
	return EncodeFrame(OpLogin, LoginRequest{
		UsernameOrEmail: usernameOrEmail,
		Password:        password,
	})
}

// EncodeListFetch builds the periodic bulk fetch frame for a category.
func EncodeListFetch(category Category, auth string) ([]byte, error) {
	spec, ok := categorySpecs[category]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", string(category))
	}
	req := listRequest{Sort: "New", Limit: defaultListLimit, Auth: auth}
	if spec.authRequired {
		// Unread-only keeps inbox-style categories bounded.
		unread := true
		req.UnreadOnly = &unread
	}
	return EncodeFrame(spec.fetchOp, req)
}

// EncodeSingleFetch builds a single-item fetch frame for a category that
// supports one.
func EncodeSingleFetch(category Category, id int64, auth string) ([]byte, error) {
	spec, ok := categorySpecs[category]
	if !ok || spec.singleOp == "" {
		return nil, fmt.Errorf("category %q has no single-item fetch", string(category))
	}
	return EncodeFrame(spec.singleOp, singleRequest{ID: id, Auth: auth})
}

// EncodeSearch builds a search frame.
func EncodeSearch(req SearchRequest) ([]byte, error) {
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	return EncodeFrame(OpSearch, req)
}

// Person is the slice of a user record that identifier resolution
// matches against: name, display name, and the origin-bearing actor URI.
type Person struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	ActorID     string `json:"actor_id"`
}

// Community mirrors Person for communities.
type Community struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Title   string `json:"title"`
	ActorID string `json:"actor_id"`
}

// PersonView wraps a Person the way search results carry it.
type PersonView struct {
	Person Person `json:"person"`
}

// CommunityView wraps a Community the way search results carry it.
type CommunityView struct {
	Community Community `json:"community"`
}

// SearchResponse is the payload of a Search reply.
type SearchResponse struct {
	Users       []PersonView    `json:"users"`
	Communities []CommunityView `json:"communities"`
}

// DecodeSearchResponse parses a Search reply payload.
func DecodeSearchResponse(data json.RawMessage) (SearchResponse, error) {
	var resp SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SearchResponse{}, fmt.Errorf("decode search response: %w", err)
	}
	return resp, nil
}

// DecodeLoginResponse parses a Login reply payload.
func DecodeLoginResponse(data json.RawMessage) (LoginResponse, error) {
	var resp LoginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return LoginResponse{}, fmt.Errorf("decode login response: %w", err)
	}
	if strings.TrimSpace(resp.JWT) == "" {
		return LoginResponse{}, fmt.Errorf("login response carried no token")
	}
	return resp, nil
}
