// Package mcp exposes the pre-authorization workflow as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// Service is the part of the service layer the tools call
type Service interface {
	RunPreAuthorization(ctx context.Context, doc domain.Document) (*domain.PreAuthorizationDecision, error)
	EvaluateGuideline(ctx context.Context, code string, doc domain.Document) (*domain.EvaluationOutcome, error)
	GetGuidelines(ctx context.Context, code string) (*domain.GuidelineTree, error)
}

// Server is the prior authorization MCP server
type Server struct {
	mcpServer *mcp.Server
	svc       Service
	logger    *logrus.Logger
}

// NewServer creates the MCP server and registers its tools
func NewServer(cfg domain.MCPConfig, svc Service, logger *logrus.Logger) *Server {
	name := cfg.ServerName
	if name == "" {
		name = "prior-auth-server"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "v0.1.0"
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		svc:       svc,
		logger:    logger,
	}
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: ToolRunPreAuthorization,
		Description: "Run the full pre-authorization workflow on a medical record: extract the CPT code, " +
			"check prior treatment, evaluate the payer guidelines and store the decision.",
	}, s.handleRunPreAuthorization)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolEvaluateGuideline,
		Description: "Evaluate the stored guideline tree for a CPT code against a medical record without storing a decision.",
	}, s.handleEvaluateGuideline)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolGetGuideline,
		Description: "Return the stored guideline decision tree for a CPT code.",
	}, s.handleGetGuideline)

	s.logger.WithField("tool_count", 3).Debug("Registered MCP tools")
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting prior authorization MCP server on stdio")

	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
