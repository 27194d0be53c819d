package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"tributary/internal/knowledge"
	"tributary/internal/llmlock"
	"tributary/internal/store"
)

var flagMCPWatch bool

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server exposing the knowledge port and the LLM lock",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, !flagMCPWatch)
	if err != nil {
		return err
	}
	defer a.Close()

	// With --watch the indexer runs in this process and honours the same
	// lock the tools set. Without it only a redis lock reaches the indexer.
	shared := flagMCPWatch || cfg.Lock.Backend == "redis"
	if !shared {
		slog.Warn("set_llm_lock is disabled: the memory lock is not visible to a separate indexer",
			"hint", "run 'tributary mcp --watch' or set lock.backend: redis")
	}
	done := make(chan error, 1)
	if flagMCPWatch {
		if err := a.ensureFormat(ctx); err != nil {
			return err
		}
		idx, err := a.indexer()
		if err != nil {
			return err
		}
		go func() { done <- idx.Serve(ctx) }()
	} else {
		close(done)
	}

	s := mcpserver.NewMCPServer("tributary", "1.0.0", mcpserver.WithToolCapabilities(false))

	port := a.port()
	s.AddTool(searchCodebaseTool(), makeSearchHandler(port))
	s.AddTool(getFileContextTool(), makeFileContextHandler(port))
	s.AddTool(getProjectOverviewTool(), makeOverviewHandler(port))
	s.AddTool(setLLMLockTool(), makeSetLockHandler(a.lock, shared))
	s.AddTool(getLLMLockStatusTool(), makeLockStatusHandler(a.lock))

	serveErr := mcpserver.ServeStdio(s)
	cancel()
	if err := <-done; err != nil {
		slog.Warn("indexer stopped with error", "error", err)
	}
	return serveErr
}

func init() {
	mcpCmd.Flags().BoolVar(&flagMCPWatch, "watch", false, "also index the workspace and keep it current while serving")
	rootCmd.AddCommand(mcpCmd)
}

// --- Tool schema builders ---

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func searchCodebaseTool() mcp.Tool {
	return mcp.NewTool("search_codebase",
		mcp.WithDescription("Semantically search the indexed workspace. Returns the closest chunks with file paths, line ranges, summaries and similarity. The response never exceeds the knowledge size ceiling; oversized results are cut and marked truncated."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language or keyword query"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum number of chunks to return (default 5, max 1000)"),
		),
	)
}

func getFileContextTool() mcp.Tool {
	return mcp.NewTool("get_file_context",
		mcp.WithDescription("Get the metadata and every indexed chunk of one file, in source order."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("File path as indexed (relative to the workspace root)"),
		),
	)
}

func getProjectOverviewTool() mcp.Tool {
	return mcp.NewTool("get_project_overview",
		mcp.WithDescription("Get index statistics and the per-module summaries. Contains no chunk content."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

func setLLMLockTool() mcp.Tool {
	return mcp.NewTool("set_llm_lock",
		mcp.WithDescription("Take or release exclusive use of the local LLM. While locked the indexer stops calling the model. Acquiring returns a token that is needed to release; an unreleased lock expires after its TTL."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(false),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithBoolean("locked",
			mcp.Required(),
			mcp.Description("true to acquire, false to release"),
		),
		mcp.WithNumber("ttl_seconds",
			mcp.Description("Lock lifetime in seconds when acquiring (default 300)"),
		),
		mcp.WithString("token",
			mcp.Description("Owner token returned by the acquire call, required to release"),
		),
	)
}

func getLLMLockStatusTool() mcp.Tool {
	return mcp.NewTool("get_llm_lock_status",
		mcp.WithDescription("Report whether the LLM lock is held and for how long."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

// --- Handler factories ---

func makeSearchHandler(port *knowledge.Port) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := port.SearchText(ctx, req.GetString("query", ""), req.GetInt("top_k", 0))
		if err != nil {
			return knowledgeToolError("search", err), nil
		}
		return jsonResult(resp)
	}
}

func makeFileContextHandler(port *knowledge.Port) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := req.GetString("path", "")
		if path == "" {
			return mcp.NewToolResultError("path is required"), nil
		}
		resp, err := port.FileContext(ctx, path)
		if err != nil {
			return knowledgeToolError("file context", err), nil
		}
		return jsonResult(resp)
	}
}

func makeOverviewHandler(port *knowledge.Port) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := port.ProjectOverview(ctx)
		if err != nil {
			return knowledgeToolError("overview", err), nil
		}
		return jsonResult(resp)
	}
}

// errLockNotShared is reported by set_llm_lock when the lock lives only in
// this process and no indexer would honour it.
const errLockNotShared = "the LLM lock is local to this process and no indexer sees it; " +
	"run 'tributary mcp --watch' or set lock.backend: redis"

func makeSetLockHandler(lock llmlock.Lock, shared bool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !shared {
			return mcp.NewToolResultError(errLockNotShared), nil
		}
		locked := req.GetBool("locked", false)
		ttl := time.Duration(req.GetFloat("ttl_seconds", 0) * float64(time.Second))
		res, err := llmlock.Set(ctx, lock, locked, ttl, req.GetString("token", ""))
		switch {
		case errors.Is(err, llmlock.ErrHeld), errors.Is(err, llmlock.ErrNotOwner):
			body, _ := json.Marshal(res.State)
			return mcp.NewToolResultError(fmt.Sprintf("%v; lock_state: %s", err, body)), nil
		case err != nil:
			return mcp.NewToolResultError(fmt.Sprintf("lock backend unavailable: %v", err)), nil
		}
		return jsonResult(res)
	}
}

func makeLockStatusHandler(lock llmlock.Lock) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := lock.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lock backend unavailable: %v", err)), nil
		}
		return jsonResult(st)
	}
}

// --- Formatting helpers ---

// jsonResult encodes compactly; the knowledge ceiling is measured on the
// compact encoding.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

func knowledgeToolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, knowledge.ErrEmptyQuery):
		return mcp.NewToolResultError("query is required")
	case errors.Is(err, knowledge.ErrNoEmbedder):
		return mcp.NewToolResultError("semantic search is unavailable: no embedding model configured")
	case errors.Is(err, store.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%v; call get_project_overview to see indexed modules", err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}
