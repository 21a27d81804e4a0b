// Package onebot provides a client for the OneBot v11 HTTP API exposed
// by a NapCat gateway, plus decoding of the event payloads the gateway
// pushes over its WebSocket.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/qqbridge/qqbridge/internal/httpkit"
	"github.com/qqbridge/qqbridge/internal/target"
)

// Client is an OneBot v11 HTTP API client. Every action is a POST of a
// JSON body to {baseURL}/{action} answered by a retcode envelope.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	watcher    readyChecker // set via SetWatcher for health status
}

// readyChecker is satisfied by connwatch.Watcher. Defined here to avoid
// importing connwatch directly, keeping the dependency one-directional.
type readyChecker interface {
	IsReady() bool
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether the gateway is currently reachable. Returns
// true if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// NewClient creates an OneBot API client. token may be empty when the
// gateway has no access token configured.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// APIError is a non-zero retcode returned by the gateway for an action.
type APIError struct {
	Action  string
	Retcode int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: retcode %d: %s", e.Action, e.Retcode, e.Message)
}

// envelope is the response wrapper every OneBot action returns.
type envelope struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

// call performs one OneBot action and unmarshals the data field into
// result when non-nil.
func (c *Client) call(ctx context.Context, action string, params any, result any) error {
	var reqBody []byte
	if params != nil {
		var err error
		reqBody, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: marshal params: %w", action, err)
		}
	} else {
		reqBody = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("%s: HTTP %d: %s", action, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	if env.Retcode != 0 {
		msg := env.Message
		if msg == "" {
			msg = env.Wording
		}
		return &APIError{Action: action, Retcode: env.Retcode, Message: msg}
	}

	if result != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("%s: decode data: %w", action, err)
		}
	}
	return nil
}

// LoginInfo identifies the logged-in account.
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// Status is the gateway's view of the account connection.
type Status struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

// Group describes one joined group.
type Group struct {
	GroupID     int64  `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
}

// ID returns the group ID in the string form used as a target ID.
func (g Group) ID() string {
	return strconv.FormatInt(g.GroupID, 10)
}

// Friend describes one account on the friend list.
type Friend struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

// ID returns the friend's account in the string form used as a target ID.
func (f Friend) ID() string {
	return strconv.FormatInt(f.UserID, 10)
}

// Name returns the friend's nickname, falling back to the remark.
func (f Friend) Name() string {
	if f.Nickname != "" {
		return f.Nickname
	}
	return f.Remark
}

// GetLoginInfo returns the logged-in account. Also serves as the
// reachability probe: the gateway answers it whenever it is up.
func (c *Client) GetLoginInfo(ctx context.Context) (*LoginInfo, error) {
	var info LoginInfo
	if err := c.call(ctx, "get_login_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetStatus returns the account's online status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.call(ctx, "get_status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetGroupList returns all joined groups.
func (c *Client) GetGroupList(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := c.call(ctx, "get_group_list", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GetGroupInfo returns details for a single group.
func (c *Client) GetGroupInfo(ctx context.Context, groupID string) (*Group, error) {
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("get_group_info: invalid group id %q", groupID)
	}
	var g Group
	if err := c.call(ctx, "get_group_info", map[string]any{"group_id": gid}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetFriendList returns the account's friend list.
func (c *Client) GetFriendList(ctx context.Context) ([]Friend, error) {
	var friends []Friend
	if err := c.call(ctx, "get_friend_list", nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// Segment is one piece of an outbound OneBot message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// TextSegment builds a plain-text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// ReplySegment builds a reply reference to an earlier message.
func ReplySegment(messageID string) Segment {
	return Segment{Type: "reply", Data: map[string]any{"id": messageID}}
}

// sendResult is the data payload of the send_*_msg actions.
type sendResult struct {
	MessageID int64 `json:"message_id"`
}

// SendGroupMsg sends segments to a group, optionally as a reply.
// Returns the new message's ID.
func (c *Client) SendGroupMsg(ctx context.Context, groupID string, segments []Segment, replyTo string) (string, error) {
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("send_group_msg: invalid group id %q", groupID)
	}
	if replyTo != "" {
		segments = append([]Segment{ReplySegment(replyTo)}, segments...)
	}
	var res sendResult
	params := map[string]any{"group_id": gid, "message": segments}
	if err := c.call(ctx, "send_group_msg", params, &res); err != nil {
		return "", err
	}
	return strconv.FormatInt(res.MessageID, 10), nil
}

// SendPrivateMsg sends segments to a friend, optionally as a reply.
// Returns the new message's ID.
func (c *Client) SendPrivateMsg(ctx context.Context, userID string, segments []Segment, replyTo string) (string, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("send_private_msg: invalid user id %q", userID)
	}
	if replyTo != "" {
		segments = append([]Segment{ReplySegment(replyTo)}, segments...)
	}
	var res sendResult
	params := map[string]any{"user_id": uid, "message": segments}
	if err := c.call(ctx, "send_private_msg", params, &res); err != nil {
		return "", err
	}
	return strconv.FormatInt(res.MessageID, 10), nil
}

// SendText sends a single text message to t, routing to the group or
// private action by target kind.
func (c *Client) SendText(ctx context.Context, t target.Target, text, replyTo string) (string, error) {
	segments := []Segment{TextSegment(text)}
	if t.Kind == target.KindGroup {
		return c.SendGroupMsg(ctx, t.ID, segments, replyTo)
	}
	return c.SendPrivateMsg(ctx, t.ID, segments, replyTo)
}

// historyResult is the data payload of the *_msg_history actions.
type historyResult struct {
	Messages []Event `json:"messages"`
}

// GetGroupMsgHistory fetches up to count recent messages for a group.
// The entries share the wire shape of live message events.
func (c *Client) GetGroupMsgHistory(ctx context.Context, groupID string, count int) ([]Event, error) {
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("get_group_msg_history: invalid group id %q", groupID)
	}
	var res historyResult
	params := map[string]any{"group_id": gid, "count": count}
	if err := c.call(ctx, "get_group_msg_history", params, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// GetFriendMsgHistory fetches up to count recent messages for a direct
// chat. This is a NapCat extension action.
func (c *Client) GetFriendMsgHistory(ctx context.Context, userID string, count int) ([]Event, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("get_friend_msg_history: invalid user id %q", userID)
	}
	var res historyResult
	params := map[string]any{"user_id": uid, "count": count}
	if err := c.call(ctx, "get_friend_msg_history", params, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}
