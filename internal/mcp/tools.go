package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// Tool names
const (
	ToolRunPreAuthorization = "run_pre_authorization"
	ToolEvaluateGuideline   = "evaluate_guideline"
	ToolGetGuideline        = "get_guideline"
)

// RunPreAuthorizationParams defines parameters for run_pre_authorization
type RunPreAuthorizationParams struct {
	Record      string                 `json:"record" jsonschema:"the medical record text"`
	Name        string                 `json:"name,omitempty" jsonschema:"a label for the record, used in logs"`
	ContentType string                 `json:"content_type,omitempty" jsonschema:"text/plain, text/markdown, text/csv or application/json"`
	Facts       map[string]interface{} `json:"facts,omitempty" jsonschema:"structured values referenced by rule expressions, e.g. age"`
}

// EvaluateGuidelineParams defines parameters for evaluate_guideline
type EvaluateGuidelineParams struct {
	CPTCode     string                 `json:"cpt_code" jsonschema:"the five character CPT code"`
	Record      string                 `json:"record" jsonschema:"the medical record text"`
	ContentType string                 `json:"content_type,omitempty" jsonschema:"text/plain, text/markdown, text/csv or application/json"`
	Facts       map[string]interface{} `json:"facts,omitempty" jsonschema:"structured values referenced by rule expressions"`
}

// GetGuidelineParams defines parameters for get_guideline
type GetGuidelineParams struct {
	CPTCode string `json:"cpt_code" jsonschema:"the five character CPT code"`
}

func (s *Server) handleRunPreAuthorization(ctx context.Context, _ *mcp.CallToolRequest, params RunPreAuthorizationParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", ToolRunPreAuthorization).Info("Tool invoked")

	if params.Record == "" && len(params.Facts) == 0 {
		return s.createErrorResult("Missing required parameter", errors.New("record is required")), nil, nil
	}

	name := params.Name
	if name == "" {
		name = "mcp-record"
	}
	decision, err := s.svc.RunPreAuthorization(ctx, domain.Document{
		Name:        name,
		ContentType: params.ContentType,
		Content:     []byte(params.Record),
		Facts:       params.Facts,
	})
	if err != nil {
		return s.createErrorResult("Pre-authorization failed", err), nil, nil
	}

	return s.createJSONResult(decision)
}

func (s *Server) handleEvaluateGuideline(ctx context.Context, _ *mcp.CallToolRequest, params EvaluateGuidelineParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":     ToolEvaluateGuideline,
		"cpt_code": params.CPTCode,
	}).Info("Tool invoked")

	if params.CPTCode == "" {
		return s.createErrorResult("Missing required parameter", errors.New("cpt_code is required")), nil, nil
	}
	if params.Record == "" && len(params.Facts) == 0 {
		return s.createErrorResult("Missing required parameter", errors.New("record is required")), nil, nil
	}

	outcome, err := s.svc.EvaluateGuideline(ctx, params.CPTCode, domain.Document{
		Name:        "mcp-record",
		ContentType: params.ContentType,
		Content:     []byte(params.Record),
		Facts:       params.Facts,
	})
	if err != nil {
		return s.createErrorResult("Guideline evaluation failed", err), nil, nil
	}

	return s.createJSONResult(outcome)
}

func (s *Server) handleGetGuideline(ctx context.Context, _ *mcp.CallToolRequest, params GetGuidelineParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":     ToolGetGuideline,
		"cpt_code": params.CPTCode,
	}).Info("Tool invoked")

	if params.CPTCode == "" {
		return s.createErrorResult("Missing required parameter", errors.New("cpt_code is required")), nil, nil
	}

	tree, err := s.svc.GetGuidelines(ctx, params.CPTCode)
	if err != nil {
		return s.createErrorResult("Guideline lookup failed", err), nil, nil
	}

	return s.createJSONResult(tree)
}

func (s *Server) createJSONResult(v interface{}) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// createErrorResult reports a failure to the client as a tool error. Pipeline
// errors lead with their kind so the client can tell the cases apart.
func (s *Server) createErrorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if pe, ok := domain.AsPipelineError(err); ok {
		errorText += fmt.Sprintf(" - %s: %s", pe.Kind, pe.Message)
	} else if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
	}

	s.logger.WithError(err).Warn(message)

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}
