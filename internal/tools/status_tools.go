package tools

import (
	"context"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qqbridge/qqbridge/internal/connwatch"
	"github.com/qqbridge/qqbridge/internal/target"
)

func (t *Tools) registerStatusTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("check_status",
		mcp.WithDescription("Check QQ bot status: gateway connectivity, logged-in account, online state, monitored groups and friends, and buffer statistics. Call this first if other tools fail, to see whether the gateway is reachable."),
	), t.handleCheckStatus)

	s.AddTool(mcp.NewTool("get_group_list",
		mcp.WithDescription("List every QQ group the bot account has joined, with group ID, name, and member count. Includes groups outside the monitored set."),
	), t.handleGroupList)
}

// gatewayDown is the check_status payload when the gateway cannot be
// reached. The zero bools are the point.
type gatewayDown struct {
	NapcatRunning bool   `json:"napcat_running"`
	QQLoggedIn    bool   `json:"qq_logged_in"`
	Error         string `json:"error"`
}

type bufferStats struct {
	TotalMessagesBuffered int `json:"total_messages_buffered"`
	GroupsTracked         int `json:"groups_tracked"`
	FriendsTracked        int `json:"friends_tracked"`
}

type statusReport struct {
	NapcatRunning    bool                    `json:"napcat_running"`
	QQLoggedIn       bool                    `json:"qq_logged_in"`
	QQAccount        string                  `json:"qq_account"`
	QQNickname       string                  `json:"qq_nickname"`
	OnlineStatus     string                  `json:"online_status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	MonitoredGroups  []groupEntry            `json:"monitored_groups"`
	MonitoredFriends []friendEntry           `json:"monitored_friends"`
	TotalGroups      int                     `json:"total_groups"`
	BufferStats      bufferStats             `json:"buffer_stats"`
	Connection       connwatch.ServiceStatus `json:"connection"`
}

// handleCheckStatus reports gateway health. The login probe doubles as
// the reachability check: when it fails the result is a structured
// gateway-down payload, not a tool error, so the agent can read the
// state instead of retrying blindly.
func (t *Tools) handleCheckStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	login, err := t.deps.Gateway.GetLoginInfo(ctx)
	if err != nil {
		t.deps.Logger.Warn("status probe failed", "error", err)
		return jsonResult(gatewayDown{Error: err.Error()})
	}

	online := "unknown"
	if status, err := t.deps.Gateway.GetStatus(ctx); err == nil {
		if status.Online {
			online = "online"
		} else {
			online = "offline"
		}
	}

	groups, err := t.deps.Gateway.GetGroupList(ctx)
	if err != nil {
		t.deps.Logger.Warn("status: group list unavailable", "error", err)
		groups = nil
	}
	monitored := make([]groupEntry, 0, len(groups))
	for _, g := range groups {
		if t.deps.Registry.Allowed(target.Group(g.ID())) {
			monitored = append(monitored, groupEntry{
				GroupID:     g.ID(),
				GroupName:   g.GroupName,
				MemberCount: g.MemberCount,
			})
		}
	}

	friends := make([]friendEntry, 0)
	if ids := t.deps.Registry.Friends(); len(ids) > 0 {
		names := make(map[string]string)
		if list, err := t.deps.Gateway.GetFriendList(ctx); err == nil {
			for _, f := range list {
				names[f.ID()] = f.Name()
			}
		}
		for _, id := range ids {
			friends = append(friends, friendEntry{UserID: id, Nickname: names[id]})
		}
	}

	stats := t.deps.Store.Stats()
	return jsonResult(statusReport{
		NapcatRunning:    true,
		QQLoggedIn:       true,
		QQAccount:        strconv.FormatInt(login.UserID, 10),
		QQNickname:       login.Nickname,
		OnlineStatus:     online,
		UptimeSeconds:    int64(t.nowFunc().Sub(t.startTime).Seconds()),
		MonitoredGroups:  monitored,
		MonitoredFriends: friends,
		TotalGroups:      len(groups),
		BufferStats: bufferStats{
			TotalMessagesBuffered: stats.TotalMessages,
			GroupsTracked:         stats.Groups,
			FriendsTracked:        stats.Friends,
		},
		Connection: t.deps.Conn.Status(),
	})
}

type groupListReport struct {
	Groups []groupEntry `json:"groups"`
}

func (t *Tools) handleGroupList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	groups, err := t.deps.Gateway.GetGroupList(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries := make([]groupEntry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, groupEntry{
			GroupID:     g.ID(),
			GroupName:   g.GroupName,
			MemberCount: g.MemberCount,
		})
	}
	return jsonResult(groupListReport{Groups: entries})
}
