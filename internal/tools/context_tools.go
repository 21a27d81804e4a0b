package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qqbridge/qqbridge/internal/target"
)

const (
	defaultContextLimit = 200
	defaultBatchLimit   = 50

	// maxBatchLimit caps the per-target window in batch queries so one
	// call cannot return thousands of messages.
	maxBatchLimit = 200
)

func (t *Tools) registerContextTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("get_recent_context",
		mcp.WithDescription("Get recent buffered messages for one monitored group or whitelisted friend, oldest first. A compressed summary of older traffic, when present, appears as the first message from sender \"summary\"."),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Group ID or friend QQ ID."),
		),
		mcp.WithString("target_type",
			mcp.Description("\"group\" (default) or \"private\"."),
			mcp.Enum("group", "private"),
			mcp.DefaultString("group"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of messages to return (default: 200)."),
			mcp.DefaultNumber(defaultContextLimit),
		),
	), t.handleRecentContext)

	s.AddTool(mcp.NewTool("batch_get_recent_context",
		mcp.WithDescription("Get recent context for several targets in one call. Cheaper than repeated get_recent_context calls: group and friend rosters are fetched at most once each. Targets that fail the whitelist check come back as inline error entries; the rest still succeed."),
		mcp.WithArray("targets",
			mcp.Required(),
			mcp.Description("Targets to query, each an object with \"target\" (ID) and optional \"target_type\" (\"group\" default, or \"private\")."),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "Group ID or friend QQ ID.",
					},
					"target_type": map[string]any{
						"type":        "string",
						"description": "\"group\" (default) or \"private\".",
					},
				},
				"required": []string{"target"},
			}),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum messages per target (default: 50, max: 200)."),
			mcp.DefaultNumber(defaultBatchLimit),
		),
	), t.handleBatchContext)
}

func (t *Tools) handleRecentContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := request.GetString("target_type", string(target.KindGroup))
	limit := request.GetInt("limit", defaultContextLimit)

	tgt, err := t.resolveTarget(id, kind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	msgs, err := t.deps.Store.Recent(tgt, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report := contextReport{
		Target:       id,
		TargetType:   kind,
		MessageCount: t.deps.Store.Count(tgt),
		Messages:     wireMessages(msgs),
	}
	// One info call per lookup; a roster failure leaves the name empty
	// rather than failing the whole read.
	switch tgt.Kind {
	case target.KindGroup:
		name := ""
		if info, err := t.deps.Gateway.GetGroupInfo(ctx, id); err == nil {
			name = info.GroupName
		}
		report.GroupName = &name
	case target.KindPrivate:
		name := ""
		if friends, err := t.deps.Gateway.GetFriendList(ctx); err == nil {
			for _, f := range friends {
				if f.ID() == id {
					name = f.Name()
					break
				}
			}
		}
		report.FriendName = &name
	}
	return jsonResult(report)
}

// batchTarget is one entry of the targets argument.
type batchTarget struct {
	Target     string `json:"target"`
	TargetType string `json:"target_type"`
}

// batchError is an inline per-target failure in batch results.
type batchError struct {
	Target     string `json:"target"`
	TargetType string `json:"target_type"`
	Error      string `json:"error"`
}

type batchReport struct {
	Results []any `json:"results"`
	Count   int   `json:"count"`
}

// handleBatchContext serves several targets from the buffer with at
// most one group-list and one friend-list call, no matter how many
// targets are asked for. Listing failures degrade to empty names.
func (t *Tools) handleBatchContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Targets []batchTarget `json:"targets"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid targets: %v", err)), nil
	}
	if len(args.Targets) == 0 {
		return mcp.NewToolResultError("targets is required"), nil
	}
	limit := request.GetInt("limit", defaultBatchLimit)
	if limit <= 0 {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be positive, got %d", limit)), nil
	}
	if limit > maxBatchLimit {
		limit = maxBatchLimit
	}

	var wantGroups, wantFriends bool
	for i := range args.Targets {
		if args.Targets[i].TargetType == "" {
			args.Targets[i].TargetType = string(target.KindGroup)
		}
		switch args.Targets[i].TargetType {
		case string(target.KindGroup):
			wantGroups = true
		case string(target.KindPrivate):
			wantFriends = true
		}
	}

	groupNames := make(map[string]string)
	if wantGroups {
		if groups, err := t.deps.Gateway.GetGroupList(ctx); err == nil {
			for _, g := range groups {
				groupNames[g.ID()] = g.GroupName
			}
		} else {
			t.deps.Logger.Warn("batch: group list unavailable", "error", err)
		}
	}
	friendNames := make(map[string]string)
	if wantFriends {
		if friends, err := t.deps.Gateway.GetFriendList(ctx); err == nil {
			for _, f := range friends {
				friendNames[f.ID()] = f.Name()
			}
		} else {
			t.deps.Logger.Warn("batch: friend list unavailable", "error", err)
		}
	}

	results := make([]any, 0, len(args.Targets))
	for _, bt := range args.Targets {
		tgt, err := t.resolveTarget(bt.Target, bt.TargetType)
		if err != nil {
			results = append(results, batchError{
				Target:     bt.Target,
				TargetType: bt.TargetType,
				Error:      err.Error(),
			})
			continue
		}
		msgs, err := t.deps.Store.Recent(tgt, limit)
		if err != nil {
			results = append(results, batchError{
				Target:     bt.Target,
				TargetType: bt.TargetType,
				Error:      err.Error(),
			})
			continue
		}
		entry := contextReport{
			Target:       bt.Target,
			TargetType:   bt.TargetType,
			MessageCount: t.deps.Store.Count(tgt),
			Messages:     wireMessages(msgs),
		}
		if tgt.Kind == target.KindGroup {
			name := groupNames[bt.Target]
			entry.GroupName = &name
		} else {
			name := friendNames[bt.Target]
			entry.FriendName = &name
		}
		results = append(results, entry)
	}
	return jsonResult(batchReport{Results: results, Count: len(results)})
}
