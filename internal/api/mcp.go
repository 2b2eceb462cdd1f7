package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/strata/internal/query"
	"github.com/kalambet/strata/internal/storage"
)

const repositoriesURI = "strata://repositories"

// NewMCPServer creates an MCP server exposing the temporal query tools.
func NewMCPServer(q *query.Facade, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"strata",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("strata answers what a file in an ingested repository said now, at a point in time, or at a commit."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_current_file",
			mcp.WithDescription("Return the current version of a file and its chunks."),
			mcp.WithString("repo", mcp.Description("Repository id, URL or name"), mcp.Required()),
			mcp.WithString("path", mcp.Description("Path relative to the repository root"), mcp.Required()),
		),
		mcpCurrentFile(q),
	)

	s.AddTool(
		mcp.NewTool("get_file_at_time",
			mcp.WithDescription("Return the version of a file that was valid at an instant."),
			mcp.WithString("repo", mcp.Description("Repository id, URL or name"), mcp.Required()),
			mcp.WithString("path", mcp.Description("Path relative to the repository root"), mcp.Required()),
			mcp.WithString("at", mcp.Description("RFC 3339 timestamp or YYYY-MM-DD, UTC if no zone is given"), mcp.Required()),
		),
		mcpFileAtTime(q),
	)

	s.AddTool(
		mcp.NewTool("get_file_at_commit",
			mcp.WithDescription("Return the version of a file ingested from a commit."),
			mcp.WithString("repo", mcp.Description("Repository id, URL or name"), mcp.Required()),
			mcp.WithString("path", mcp.Description("Path relative to the repository root"), mcp.Required()),
			mcp.WithString("commit", mcp.Description("Commit id"), mcp.Required()),
		),
		mcpFileAtCommit(q),
	)

	s.AddTool(
		mcp.NewTool("get_file_history",
			mcp.WithDescription("List the versions of a file, newest first."),
			mcp.WithString("repo", mcp.Description("Repository id, URL or name"), mcp.Required()),
			mcp.WithString("path", mcp.Description("Path relative to the repository root"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of versions (default 20)")),
		),
		mcpFileHistory(q),
	)

	s.AddTool(
		mcp.NewTool("search_chunks",
			mcp.WithDescription("Search chunks of current versions, or of the versions valid at an instant."),
			mcp.WithString("query", mcp.Description("Text to look for")),
			mcp.WithString("repo", mcp.Description("Restrict to one repository")),
			mcp.WithString("path", mcp.Description("Restrict to one file")),
			mcp.WithString("type", mcp.Description("Chunk content type, e.g. code or prose")),
			mcp.WithBoolean("has_code", mcp.Description("Only chunks with (true) or without (false) code")),
			mcp.WithString("at", mcp.Description("Search the versions valid at this instant")),
			mcp.WithBoolean("semantic", mcp.Description("Rank by embedding similarity to query")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchChunks(q),
	)

	s.AddResource(
		mcp.NewResource(
			repositoriesURI,
			"Repositories",
			mcp.WithResourceDescription("Ingested repositories as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRepositories(q),
	)

	return s
}

// fileResult is the payload of the single-version tools.
type fileResult struct {
	Version storage.FileVersion    `json:"version"`
	Chunks  []storage.ContentChunk `json:"chunks"`
}

func requireRepoPath(req mcp.CallToolRequest) (repo, file string, errResult *mcp.CallToolResult) {
	repo, err := req.RequireString("repo")
	if err != nil || repo == "" {
		return "", "", mcpError("repo is required")
	}
	file, err = req.RequireString("path")
	if err != nil || file == "" {
		return "", "", mcpError("path is required")
	}
	return repo, file, nil
}

func mcpCurrentFile(q *query.Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, file, errResult := requireRepoPath(req)
		if errResult != nil {
			return errResult, nil
		}
		v, err := q.Current(ctx, repo, file)
		if err != nil {
			return mcpError(fmt.Sprintf("current version: %v", err)), nil
		}
		return versionResult(ctx, q, v), nil
	}
}

func mcpFileAtTime(q *query.Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, file, errResult := requireRepoPath(req)
		if errResult != nil {
			return errResult, nil
		}
		raw, err := req.RequireString("at")
		if err != nil {
			return mcpError("at is required"), nil
		}
		at, err := query.ParseInstant(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		v, err := q.AtTime(ctx, repo, file, at)
		if err != nil {
			return mcpError(fmt.Sprintf("version at %s: %v", at.Format("2006-01-02T15:04:05Z"), err)), nil
		}
		return versionResult(ctx, q, v), nil
	}
}

func mcpFileAtCommit(q *query.Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, file, errResult := requireRepoPath(req)
		if errResult != nil {
			return errResult, nil
		}
		commit, err := req.RequireString("commit")
		if err != nil || commit == "" {
			return mcpError("commit is required"), nil
		}
		v, err := q.AtCommit(ctx, repo, file, commit)
		if err != nil {
			return mcpError(fmt.Sprintf("version at commit %s: %v", commit, err)), nil
		}
		return versionResult(ctx, q, v), nil
	}
}

func mcpFileHistory(q *query.Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, file, errResult := requireRepoPath(req)
		if errResult != nil {
			return errResult, nil
		}
		limit := clampLimit(req.GetInt("limit", 20), 20, 200)
		versions, err := q.History(ctx, repo, file, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("history: %v", err)), nil
		}
		if versions == nil {
			versions = []storage.FileVersion{}
		}
		return mcpJSON(versions), nil
	}
}

func mcpSearchChunks(q *query.Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := query.SearchOptions{
			Text:        req.GetString("query", ""),
			Repo:        req.GetString("repo", ""),
			Path:        req.GetString("path", ""),
			ContentType: req.GetString("type", ""),
			Semantic:    req.GetBool("semantic", false),
			Limit:       clampLimit(req.GetInt("limit", 10), 10, 50),
		}
		if args := req.GetArguments(); args != nil {
			if _, ok := args["has_code"]; ok {
				hasCode := req.GetBool("has_code", false)
				opts.HasCode = &hasCode
			}
		}
		if raw := req.GetString("at", ""); raw != "" {
			at, err := query.ParseInstant(raw)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			opts.At = &at
		}
		if opts.Semantic && opts.Text == "" {
			return mcpError("query is required for semantic search"), nil
		}

		hits, err := q.Search(ctx, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if hits == nil {
			hits = []query.Hit{}
		}
		return mcpJSON(hits), nil
	}
}

func mcpResourceRepositories(q *query.Facade) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		repos, err := q.Repositories(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing repositories: %w", err)
		}
		if repos == nil {
			repos = []storage.Repository{}
		}
		b, err := json.Marshal(repos)
		if err != nil {
			return nil, fmt.Errorf("marshaling repositories: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// versionResult attaches the chunks of v. A version stored without chunks
// is returned with an empty list.
func versionResult(ctx context.Context, q *query.Facade, v storage.FileVersion) *mcp.CallToolResult {
	chunks, err := q.Chunks(ctx, v.ID)
	if err != nil {
		chunks = []storage.ContentChunk{}
	}
	for i := range chunks {
		chunks[i].Embedding = nil
	}
	return mcpJSON(fileResult{Version: v, Chunks: chunks})
}

func clampLimit(v, def, ceiling int) int {
	if v <= 0 {
		return def
	}
	if v > ceiling {
		return ceiling
	}
	return v
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
