// Package target identifies the conversations the bridge observes and
// addresses: QQ groups and direct (friend) chats. A Target is the key
// for every per-conversation structure — buffers, rate-limit state,
// allow lists.
package target

import "fmt"

// Kind distinguishes group chats from direct chats. The values are the
// gateway's own vocabulary ("group", "private"), so they pass through
// event payloads and tool arguments unchanged.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// Target is one addressable conversation. Comparable, so it serves
// directly as a map key.
type Target struct {
	Kind Kind
	ID   string
}

// Group returns the target for a group chat.
func Group(id string) Target {
	return Target{Kind: KindGroup, ID: id}
}

// Private returns the target for a direct chat with a friend.
func Private(id string) Target {
	return Target{Kind: KindPrivate, ID: id}
}

// New parses a kind string from the wire into a Target. Unknown kinds
// and empty IDs are input-validation errors.
func New(kind, id string) (Target, error) {
	if id == "" {
		return Target{}, fmt.Errorf("target ID is required")
	}
	switch Kind(kind) {
	case KindGroup:
		return Group(id), nil
	case KindPrivate:
		return Private(id), nil
	default:
		return Target{}, fmt.Errorf("unknown target kind: %q", kind)
	}
}

// String returns the "kind:id" form used in logs.
func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID
}

// Registry is the static allow list of conversations this instance may
// observe and address. Pure lookup; built once from config and never
// mutated.
//
// The defaults are asymmetric on purpose: a nil group list means every
// joined group is observed, while direct chat always requires an
// explicit friend entry. Group traffic is the bot's job; reading
// someone's private messages is opt-in.
type Registry struct {
	allGroups bool
	groups    map[string]struct{}
	friends   map[string]struct{}

	// friendList preserves the configured order for backfill and
	// status reporting.
	friendList []string
}

// NewRegistry builds the allow list. A nil groups slice observes all
// groups; an explicit empty slice observes none. Friends are only ever
// the listed IDs.
func NewRegistry(groups, friends []string) *Registry {
	r := &Registry{
		allGroups: groups == nil,
		groups:    make(map[string]struct{}, len(groups)),
		friends:   make(map[string]struct{}, len(friends)),
	}
	for _, id := range groups {
		r.groups[id] = struct{}{}
	}
	for _, id := range friends {
		if _, dup := r.friends[id]; dup {
			continue
		}
		r.friends[id] = struct{}{}
		r.friendList = append(r.friendList, id)
	}
	return r
}

// Allowed reports whether events for t may be buffered and whether the
// bridge may send to it.
func (r *Registry) Allowed(t Target) bool {
	switch t.Kind {
	case KindGroup:
		if r.allGroups {
			return true
		}
		_, ok := r.groups[t.ID]
		return ok
	case KindPrivate:
		_, ok := r.friends[t.ID]
		return ok
	default:
		return false
	}
}

// Friends returns the whitelisted friend IDs in configured order. The
// returned slice is shared; callers must not modify it.
func (r *Registry) Friends() []string {
	return r.friendList
}
