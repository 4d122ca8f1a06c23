package lemmy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category is one kind of remote content the bot polls. Each category owns
// its own store table and scheduler entry.
type Category string

const (
	CategoryPost                    Category = "post"
	CategoryComment                 Category = "comment"
	CategoryPrivateMessage          Category = "private_message"
	CategoryMention                 Category = "mention"
	CategoryReply                   Category = "reply"
	CategoryPostReport              Category = "post_report"
	CategoryCommentReport           Category = "comment_report"
	CategoryRegistrationApplication Category = "registration_application"
	CategoryModRemovePost           Category = "mod_remove_post"
	CategoryModRemoveComment        Category = "mod_remove_comment"
	CategoryModBanFromCommunity     Category = "mod_ban_from_community"
)

// Entry is one fetched item reduced to what the runtime needs: the numeric
// id for dedup, the origin-bearing actor URI for federation filtering, and
// the raw view for the caller's handler.
type Entry struct {
	ID        int64
	ActorURI  string
	Published time.Time
	Raw       json.RawMessage
}

// categorySpec describes how a category maps onto the wire: which op
// fetches it, which response field holds the bulk list, and where inside a
// list element the id / actor URI / publish time live.
type categorySpec struct {
	fetchOp       Op
	singleOp      Op // zero when the category has no single-item fetch
	authRequired  bool
	listField     string
	singleField   string
	idPath        []string
	actorPath     []string
	publishedPath []string
}

var categorySpecs = map[Category]categorySpec{
	CategoryPost: {
		fetchOp:       OpGetPosts,
		singleOp:      OpGetPost,
		listField:     "posts",
		singleField:   "post_view",
		idPath:        []string{"post", "id"},
		actorPath:     []string{"post", "ap_id"},
		publishedPath: []string{"post", "published"},
	},
	CategoryComment: {
		fetchOp:       OpGetComments,
		singleOp:      OpGetComment,
		listField:     "comments",
		singleField:   "comment_view",
		idPath:        []string{"comment", "id"},
		actorPath:     []string{"comment", "ap_id"},
		publishedPath: []string{"comment", "published"},
	},
	CategoryPrivateMessage: {
		fetchOp:       OpGetPrivateMessages,
		authRequired:  true,
		listField:     "private_messages",
		idPath:        []string{"private_message", "id"},
		actorPath:     []string{"private_message", "ap_id"},
		publishedPath: []string{"private_message", "published"},
	},
	CategoryMention: {
		fetchOp:       OpGetPersonMentions,
		authRequired:  true,
		listField:     "mentions",
		idPath:        []string{"person_mention", "id"},
		actorPath:     []string{"comment", "ap_id"},
		publishedPath: []string{"person_mention", "published"},
	},
	CategoryReply: {
		fetchOp:       OpGetReplies,
		authRequired:  true,
		listField:     "replies",
		idPath:        []string{"comment_reply", "id"},
		actorPath:     []string{"comment", "ap_id"},
		publishedPath: []string{"comment_reply", "published"},
	},
	CategoryPostReport: {
		fetchOp:       OpListPostReports,
		authRequired:  true,
		listField:     "post_reports",
		idPath:        []string{"post_report", "id"},
		actorPath:     []string{"post", "ap_id"},
		publishedPath: []string{"post_report", "published"},
	},
	CategoryCommentReport: {
		fetchOp:       OpListCommentReports,
		authRequired:  true,
		listField:     "comment_reports",
		idPath:        []string{"comment_report", "id"},
		actorPath:     []string{"comment", "ap_id"},
		publishedPath: []string{"comment_report", "published"},
	},
	CategoryRegistrationApplication: {
		fetchOp:       OpListRegistrationApplications,
		authRequired:  true,
		listField:     "registration_applications",
		idPath:        []string{"registration_application", "id"},
		publishedPath: []string{"registration_application", "published"},
	},
	CategoryModRemovePost: {
		fetchOp:       OpGetModlog,
		listField:     "removed_posts",
		idPath:        []string{"mod_remove_post", "id"},
		actorPath:     []string{"post", "ap_id"},
		publishedPath: []string{"mod_remove_post", "when_"},
	},
	CategoryModRemoveComment: {
		fetchOp:       OpGetModlog,
		listField:     "removed_comments",
		idPath:        []string{"mod_remove_comment", "id"},
		actorPath:     []string{"comment", "ap_id"},
		publishedPath: []string{"mod_remove_comment", "when_"},
	},
	CategoryModBanFromCommunity: {
		fetchOp:       OpGetModlog,
		listField:     "banned_from_community",
		idPath:        []string{"mod_ban_from_community", "id"},
		actorPath:     []string{"community", "actor_id"},
		publishedPath: []string{"mod_ban_from_community", "when_"},
	},
}

// Categories returns every known category in stable order.
func Categories() []Category {
	return []Category{
		CategoryPost,
		CategoryComment,
		CategoryPrivateMessage,
		CategoryMention,
		CategoryReply,
		CategoryPostReport,
		CategoryCommentReport,
		CategoryRegistrationApplication,
		CategoryModRemovePost,
		CategoryModRemoveComment,
		CategoryModBanFromCommunity,
	}
}

// ValidCategory reports whether name is a known category.
func ValidCategory(name string) bool {
	_, ok := categorySpecs[Category(name)]
	return ok
}

// FetchOp returns the operation that fetches this category's list.
func (c Category) FetchOp() Op {
	return categorySpecs[c].fetchOp
}

// SingleOp returns the single-item fetch operation, or "" when the
// category has none.
func (c Category) SingleOp() Op {
	return categorySpecs[c].singleOp
}

// RequiresAuth reports whether this category cannot be fetched without a
// session token.
func (c Category) RequiresAuth() bool {
	return categorySpecs[c].authRequired
}

// TableName is the store table the category owns.
func (c Category) TableName() string {
	return string(c) + "s"
}

// CategoriesForOp returns every category whose bulk list arrives under the
// given response tag. Most ops carry one category; the modlog response
// carries several.
func CategoriesForOp(op Op) []Category {
	var out []Category
	for _, c := range Categories() {
		if categorySpecs[c].fetchOp == op {
			out = append(out, c)
		}
	}
	return out
}

// SingleCategoryForOp returns the category whose single-item response
// arrives under the given tag.
func SingleCategoryForOp(op Op) (Category, bool) {
	for _, c := range Categories() {
		if s := categorySpecs[c].singleOp; s != "" && s == op {
			return c, true
		}
	}
	return "", false
}

// DecodeList extracts this category's entries from a bulk response payload.
// Elements missing an id are skipped; a payload without the category's list
// field yields an empty slice.
func (c Category) DecodeList(data json.RawMessage) ([]Entry, error) {
	spec, ok := categorySpecs[c]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", string(c))
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", c, err)
	}
	listRaw, ok := envelope[spec.listField]
	if !ok {
		return nil, nil
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(listRaw, &elements); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", c, err)
	}
	entries := make([]Entry, 0, len(elements))
	for _, element := range elements {
		entry, ok := decodeEntry(spec, element)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DecodeSingle extracts the one entry from a single-item response payload.
func (c Category) DecodeSingle(data json.RawMessage) (Entry, error) {
	spec, ok := categorySpecs[c]
	if !ok || spec.singleOp == "" {
		return Entry{}, fmt.Errorf("category %q has no single-item fetch", string(c))
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Entry{}, fmt.Errorf("decode %s view: %w", c, err)
	}
	viewRaw, ok := envelope[spec.singleField]
	if !ok {
		return Entry{}, fmt.Errorf("decode %s view: missing %s", c, spec.singleField)
	}
	entry, ok := decodeEntry(spec, viewRaw)
	if !ok {
		return Entry{}, fmt.Errorf("decode %s view: missing id", c)
	}
	return entry, nil
}

func decodeEntry(spec categorySpec, element json.RawMessage) (Entry, bool) {
	var view map[string]json.RawMessage
	if err := json.Unmarshal(element, &view); err != nil {
		return Entry{}, false
	}
	id, ok := digInt64(view, spec.idPath)
	if !ok {
		return Entry{}, false
	}
	entry := Entry{ID: id, Raw: element}
	if actor, ok := digString(view, spec.actorPath); ok {
		entry.ActorURI = actor
	}
	if published, ok := digString(view, spec.publishedPath); ok {
		entry.Published = parseTimestamp(published)
	}
	return entry, true
}

func digRaw(view map[string]json.RawMessage, path []string) (json.RawMessage, bool) {
	if len(path) == 0 {
		return nil, false
	}
	current := view
	for _, key := range path[:len(path)-1] {
		raw, ok := current[key]
		if !ok {
			return nil, false
		}
		var next map[string]json.RawMessage
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, false
		}
		current = next
	}
	raw, ok := current[path[len(path)-1]]
	return raw, ok
}

func digInt64(view map[string]json.RawMessage, path []string) (int64, bool) {
	raw, ok := digRaw(view, path)
	if !ok {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

func digString(view map[string]json.RawMessage, path []string) (string, bool) {
	raw, ok := digRaw(view, path)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), s != ""
}

// Timestamps arrive either as RFC 3339 or as the platform's older naive
// UTC form without a zone suffix.
const naiveTimestampLayout = "2006-01-02T15:04:05.999999"

func parseTimestamp(value string) time.Time {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(naiveTimestampLayout, value); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}
