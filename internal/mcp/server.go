// Package mcp exposes sentinel's detection, healing and ledger operations
// as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/moolen/sentinel/internal/analysis"
	"github.com/moolen/sentinel/internal/healing"
	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/mcp/tools"
	"github.com/moolen/sentinel/internal/models"
)

// Tool is implemented by everything in the tools package.
type Tool interface {
	Execute(ctx context.Context, input json.RawMessage) (interface{}, error)
}

// Services are the in-process backends the tools call.
type Services struct {
	Analysis *analysis.Service
	Healing  *healing.Service
	Learner  *ledger.Learner
}

// Server wraps an mcp-go server with sentinel's tools.
type Server struct {
	mcpServer *server.MCPServer
	tools     map[string]Tool
	logger    *logging.Logger
}

// NewServer creates the MCP server and registers every tool.
func NewServer(svc Services, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Sentinel MCP Server",
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		tools:  make(map[string]Tool),
		logger: logging.GetLogger("mcp"),
	}

	s.registerDetectionTools(svc.Analysis)
	s.registerHealingTools(svc.Healing)
	s.registerLedgerTools(svc.Learner)
	s.registerPrompts()

	return s
}

func scopeSchema(extra map[string]interface{}) map[string]interface{} {
	props := map[string]interface{}{
		"namespace": map[string]interface{}{
			"type":        "string",
			"description": "Optional: Kubernetes namespace to analyze",
		},
		"resource": map[string]interface{}{
			"type":        "string",
			"description": "Optional: pod, deployment or node name to narrow the scope",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]interface{}{"type": "object", "properties": props}
}

var lookbackProperty = map[string]interface{}{
	"lookback": map[string]interface{}{
		"type":        "string",
		"description": "Optional: trailing window as a Go duration, e.g. '6h'",
	},
}

func (s *Server) registerDetectionTools(svc *analysis.Service) {
	s.registerTool(
		"detect_anomalies",
		"Run one detection pass over metrics and return anomalies grouped by severity and category",
		tools.NewDetectAnomaliesTool(svc),
		scopeSchema(nil),
	)
	s.registerTool(
		"detect_patterns",
		"Recognize recurring failures, cyclic spikes, resource exhaustion trends and cascading failures",
		tools.NewDetectPatternsTool(svc),
		scopeSchema(lookbackProperty),
	)
	s.registerTool(
		"health_score",
		"Compute a 0-100 health score with a status label from the current anomalies",
		tools.NewHealthScoreTool(svc),
		scopeSchema(nil),
	)
	s.registerTool(
		"correlations",
		"Correlate cluster events with metric anomalies and rank probable root causes",
		tools.NewCorrelationsTool(svc),
		scopeSchema(nil),
	)
	s.registerTool(
		"comprehensive_analysis",
		"Run anomaly, pattern, correlation and health analysis together for one scope",
		tools.NewComprehensiveTool(svc),
		scopeSchema(lookbackProperty),
	)
	s.registerTool(
		"metric_spike",
		"Find points in an ad-hoc PromQL query that exceed the series mean times a multiplier",
		tools.NewMetricSpikeTool(svc),
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "PromQL range query",
				},
				"lookback": map[string]interface{}{
					"type":        "string",
					"description": "Optional: window to query (default 1h)",
				},
				"multiplier": map[string]interface{}{
					"type":        "number",
					"description": "Optional: spike threshold as a multiple of the mean (default 2.0)",
				},
			},
			"required": []string{"query"},
		},
	)
}

func healSchema(fields map[string]string, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"dry_run": map[string]interface{}{
			"type":        "boolean",
			"description": "Optional: evaluate and preview without side effects (default true)",
		},
		"category": map[string]interface{}{
			"type":        "string",
			"description": "Optional: anomaly category that triggered the action",
		},
	}
	for name, desc := range fields {
		typ := "string"
		if name == "replicas" {
			typ = "integer"
		}
		props[name] = map[string]interface{}{"type": typ, "description": desc}
	}
	return map[string]interface{}{"type": "object", "properties": props, "required": required}
}

func (s *Server) registerHealingTools(svc *healing.Service) {
	s.registerTool(
		"restart_pod",
		"Restart a pod by deleting it so its controller recreates it. Subject to the policy gate",
		tools.NewHealTool(svc, models.ActionRestartPod),
		healSchema(map[string]string{
			"namespace": "Namespace of the pod",
			"pod":       "Pod name",
		}, "namespace", "pod"),
	)
	s.registerTool(
		"delete_failed_pods",
		"Delete pods in Failed phase or in CrashLoopBackOff. At most the blast radius is deleted per call",
		tools.NewHealTool(svc, models.ActionDeleteFailedPods),
		healSchema(map[string]string{
			"namespace":      "Namespace to clean up",
			"label_selector": "Optional: label selector restricting the candidate pods",
		}, "namespace"),
	)
	s.registerTool(
		"scale_deployment",
		"Set a deployment's replica count. The change in replicas counts against the blast radius",
		tools.NewHealTool(svc, models.ActionScaleDeployment),
		healSchema(map[string]string{
			"namespace":  "Namespace of the deployment",
			"deployment": "Deployment name",
			"replicas":   "Desired replica count",
		}, "namespace", "deployment", "replicas"),
	)
	s.registerTool(
		"rollback_deployment",
		"Roll a deployment back to its previous revision",
		tools.NewHealTool(svc, models.ActionRollbackDeployment),
		healSchema(map[string]string{
			"namespace":  "Namespace of the deployment",
			"deployment": "Deployment name",
		}, "namespace", "deployment"),
	)
	s.registerTool(
		"cordon_node",
		"Mark a node unschedulable",
		tools.NewHealTool(svc, models.ActionCordonNode),
		healSchema(map[string]string{"node": "Node name"}, "node"),
	)
	s.registerTool(
		"uncordon_node",
		"Mark a node schedulable again",
		tools.NewHealTool(svc, models.ActionUncordonNode),
		healSchema(map[string]string{"node": "Node name"}, "node"),
	)
}

func (s *Server) registerLedgerTools(learner *ledger.Learner) {
	hours := map[string]interface{}{
		"type":        "integer",
		"description": "Optional: trailing window in hours (default 24)",
	}

	s.registerTool(
		"action_history",
		"List recorded healing actions, newest first",
		tools.NewActionHistoryTool(learner),
		map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"hours": hours},
		},
	)
	s.registerTool(
		"action_stats",
		"Summarize success rates and resolution times per action type",
		tools.NewActionStatsTool(learner),
		map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"hours": hours},
		},
	)
	s.registerTool(
		"recurring_issues",
		"Find problems that were remediated repeatedly within the window",
		tools.NewRecurringIssuesTool(learner),
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"hours": hours,
				"min_count": map[string]interface{}{
					"type":        "integer",
					"description": "Optional: minimum occurrences to report (default 2)",
				},
			},
		},
	)
	s.registerTool(
		"record_outcome",
		"Attach the observed outcome of a healing action. Each action accepts one outcome",
		tools.NewRecordOutcomeTool(learner),
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action_id": map[string]interface{}{
					"type":        "integer",
					"description": "ID returned by the healing tool",
				},
				"outcome": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"success", "failure", "partial"},
					"description": "Observed outcome",
				},
				"resolution_time_seconds": map[string]interface{}{
					"type":        "number",
					"description": "Optional: seconds until the issue was resolved",
				},
				"notes": map[string]interface{}{
					"type":        "string",
					"description": "Optional: free-form notes",
				},
			},
			"required": []string{"action_id", "outcome"},
		},
	)
}

func (s *Server) registerTool(name, description string, tool Tool, inputSchema map[string]interface{}) {
	s.tools[name] = tool

	schemaJSON, err := json.Marshal(inputSchema)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal schema for tool %s: %v", name, err))
	}

	s.mcpServer.AddTool(mcp.NewToolWithRawSchema(name, description, schemaJSON), s.createToolHandler(name, tool))
}

func (s *Server) createToolHandler(name string, tool Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Debug("Tool %s failed: %v", name, err)
			return mcp.NewToolResultError(fmt.Sprintf("Tool execution failed: %v", err)), nil
		}

		resultJSON, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
		}

		return mcp.NewToolResultText(string(resultJSON)), nil
	}
}

func (s *Server) registerPrompts() {
	triage := mcp.Prompt{
		Name:        "incident_triage",
		Description: "Triage an ongoing incident and propose safe remediations",
		Arguments: []mcp.PromptArgument{
			{Name: "namespace", Description: "Optional Kubernetes namespace", Required: false},
			{Name: "symptoms", Description: "Optional brief description of symptoms", Required: false},
		},
	}

	s.mcpServer.AddPrompt(triage, func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		namespace := request.Params.Arguments["namespace"]
		symptoms := request.Params.Arguments["symptoms"]

		text := "Start with health_score and comprehensive_analysis. " +
			"Check recurring_issues before acting, and run every healing tool with dry_run first."
		if namespace != "" {
			text += fmt.Sprintf(" Focus on namespace: %s", namespace)
		}
		if symptoms != "" {
			text += fmt.Sprintf(" Reported symptoms: %s", symptoms)
		}

		return &mcp.GetPromptResult{
			Description: "Incident triage workflow",
			Messages: []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent{Type: "text", Text: text},
			}},
		}, nil
	})
}

// GetMCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ToolNames lists registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}
