package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/qqbridge/qqbridge/internal/target"
)

func (t *Tools) registerCompressTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("compress_context",
		mcp.WithDescription("Compress all buffered messages for a target into a short summary. The raw messages are replaced by a single summary message at the head of the buffer, freeing space for new traffic. Use this after reading context you no longer need verbatim."),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Group ID or friend QQ ID."),
		),
		mcp.WithString("target_type",
			mcp.Description("\"group\" (default) or \"private\"."),
			mcp.Enum("group", "private"),
			mcp.DefaultString("group"),
		),
	), t.handleCompressContext)
}

type compressReport struct {
	Success           bool   `json:"success"`
	Compressed        int    `json:"compressed"`
	Method            string `json:"method,omitempty"`
	Message           string `json:"message,omitempty"`
	CompressedSummary string `json:"compressed_summary"`
}

func (t *Tools) handleCompressContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := request.GetString("target_type", string(target.KindGroup))

	tgt, err := t.resolveTarget(id, kind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.deps.Compressor.Compress(ctx, tgt)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !res.Compressed {
		// Nothing buffered, or the window is already just a summary.
		return jsonResult(compressReport{
			Success:           true,
			Message:           "No messages to compress",
			CompressedSummary: res.Summary,
		})
	}
	return jsonResult(compressReport{
		Success:           true,
		Compressed:        res.Covered,
		Method:            res.Method,
		CompressedSummary: res.Summary,
	})
}
