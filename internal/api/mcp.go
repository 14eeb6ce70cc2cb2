package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/caddie/internal/pipeline"
)

// NewMCPServer exposes the supervisor workbench as MCP tools so assistants
// and editor integrations can triage cases over stdio.
func (s *Server) NewMCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("caddie", version,
		server.WithToolCapabilities(false),
	)

	srv.AddTool(
		mcp.NewTool("list_pending_cases",
			mcp.WithDescription("List supervision cases awaiting a decision."),
		),
		s.mcpListPendingCases,
	)

	srv.AddTool(
		mcp.NewTool("get_case",
			mcp.WithDescription("Fetch one supervision case with its draft reply and citations."),
			mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier")),
		),
		s.mcpGetCase,
	)

	srv.AddTool(
		mcp.NewTool("resolve_case",
			mcp.WithDescription("Resolve a pending case. Approving sends the draft; editing sends your text; rejecting sends a fallback and holds future drafts for review."),
			mcp.WithString("case_id", mcp.Required(), mcp.Description("Case identifier")),
			mcp.WithString("decision", mcp.Required(), mcp.Description("approved, edited, or rejected")),
			mcp.WithString("supervisor_id", mcp.Required(), mcp.Description("Identifier of the deciding supervisor")),
			mcp.WithString("edited_text", mcp.Description("Replacement reply, required when decision is edited")),
		),
		s.mcpResolveCase,
	)

	srv.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch a conversation's state and full message timeline."),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation identifier (channel:thread)")),
		),
		s.mcpGetConversation,
	)

	return srv
}

func (s *Server) mcpListPendingCases(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cases, err := s.store.ListCasesByStatus("pending", 50)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing cases: %v", err)), nil
	}

	views := make([]caseView, len(cases))
	for i, c := range cases {
		views[i] = toCaseView(c)
	}
	return jsonToolResult(map[string]interface{}{"cases": views})
}

func (s *Server) mcpGetCase(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caseID, err := req.RequireString("case_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	c, err := s.store.GetCase(caseID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetching case: %v", err)), nil
	}
	return jsonToolResult(toCaseView(c))
}

func (s *Server) mcpResolveCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caseID, err := req.RequireString("case_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	supervisorID, err := req.RequireString("supervisor_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.orchestrator.HandleDecision(ctx, pipeline.DecisionRequest{
		CaseID:       caseID,
		Decision:     decision,
		SupervisorID: supervisorID,
		EditedText:   req.GetString("edited_text", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolving case: %v", err)), nil
	}

	return jsonToolResult(map[string]string{
		"conversation_id": res.ConversationID,
		"reply":           res.Reply,
		"role":            res.Role,
	})
}

func (s *Server) mcpGetConversation(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	convID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	conv, err := s.store.GetConversation(convID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetching conversation: %v", err)), nil
	}
	msgs, err := s.store.GetMessages(convID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetching messages: %v", err)), nil
	}

	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{
			Seq:          m.Seq,
			Role:         m.Role,
			Text:         m.Text,
			RedactedText: m.RedactedText,
			CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	return jsonToolResult(map[string]interface{}{
		"id":              conv.ID,
		"state":           conv.State,
		"override_active": conv.OverrideActive,
		"messages":        views,
	})
}

func jsonToolResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
