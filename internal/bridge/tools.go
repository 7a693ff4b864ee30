package bridge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Conventional server names the typed helpers address.
const (
	ServerFilesystem = "filesystem"
	ServerDatabase   = "database"
	ServerSearch     = "search"
	ServerDocker     = "docker"
	ServerSandbox    = "sandbox"
	ServerGit        = "git"
)

// FilesystemRead reads a file.
func (b *Bridge) FilesystemRead(ctx context.Context, path string) Result {
	return b.CallTool(ctx, ServerFilesystem, "read_file", map[string]any{"path": path})
}

// FilesystemWrite replaces the contents of a file.
func (b *Bridge) FilesystemWrite(ctx context.Context, path, content string) Result {
	return b.CallTool(ctx, ServerFilesystem, "write_file", map[string]any{
		"path":    path,
		"content": content,
	})
}

// FilesystemList lists a directory.
func (b *Bridge) FilesystemList(ctx context.Context, path string) Result {
	return b.CallTool(ctx, ServerFilesystem, "list_directory", map[string]any{"path": path})
}

// DatabaseQuery runs a query with optional positional parameters.
func (b *Bridge) DatabaseQuery(ctx context.Context, query string, params ...any) Result {
	args := map[string]any{"query": query}
	if len(params) > 0 {
		args["params"] = params
	}
	return b.CallTool(ctx, ServerDatabase, "query", args)
}

// SearchWeb runs a web search. maxResults <= 0 leaves the limit to the
// server.
func (b *Bridge) SearchWeb(ctx context.Context, query string, maxResults int) Result {
	args := map[string]any{"query": query}
	if maxResults > 0 {
		args["max_results"] = maxResults
	}
	return b.CallTool(ctx, ServerSearch, "web_search", args)
}

// DockerRunOptions shape a container run.
type DockerRunOptions struct {
	Command []string
	Env     map[string]string
	Remove  bool
}

// DockerRun starts a container from image.
func (b *Bridge) DockerRun(ctx context.Context, image string, opts DockerRunOptions) Result {
	args := map[string]any{"image": image, "remove": opts.Remove}
	if len(opts.Command) > 0 {
		args["command"] = opts.Command
	}
	if len(opts.Env) > 0 {
		args["env"] = opts.Env
	}
	return b.CallTool(ctx, ServerDocker, "run_container", args)
}

// SandboxExecute runs code in the sandbox server. A zero timeout uses
// the server's default.
func (b *Bridge) SandboxExecute(ctx context.Context, language, code string, timeoutSeconds int) Result {
	args := map[string]any{"language": language, "code": code}
	if timeoutSeconds > 0 {
		args["timeout"] = timeoutSeconds
	}
	return b.CallTool(ctx, ServerSandbox, "execute", args)
}

// GitStatus reports the working tree status of repo.
func (b *Bridge) GitStatus(ctx context.Context, repo string) Result {
	return b.CallTool(ctx, ServerGit, "git_status", map[string]any{"repo_path": repo})
}

// GitDiff shows unstaged changes, or staged ones when staged is set.
func (b *Bridge) GitDiff(ctx context.Context, repo string, staged bool) Result {
	tool := "git_diff_unstaged"
	if staged {
		tool = "git_diff_staged"
	}
	return b.CallTool(ctx, ServerGit, tool, map[string]any{"repo_path": repo})
}

// GitLog returns up to maxCount recent commits.
func (b *Bridge) GitLog(ctx context.Context, repo string, maxCount int) Result {
	args := map[string]any{"repo_path": repo}
	if maxCount > 0 {
		args["max_count"] = maxCount
	}
	return b.CallTool(ctx, ServerGit, "git_log", args)
}

// GitCommit records staged changes with message.
func (b *Bridge) GitCommit(ctx context.Context, repo, message string) Result {
	return b.CallTool(ctx, ServerGit, "git_commit", map[string]any{
		"repo_path": repo,
		"message":   message,
	})
}

// Tool is one tool the bridge's agent may call.
type Tool struct {
	// Name is namespaced as "mcp_{server}_{tool}" so tools from
	// different servers never collide.
	Name        string `json:"name"`
	Server      string `json:"server"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
}

// Tools lists the tools of every server the agent may use, sorted by
// name. A server whose tools cannot be listed is skipped and reported
// in the returned error map.
func (b *Bridge) Tools(ctx context.Context) ([]Tool, map[string]string) {
	var (
		out  []Tool
		errs map[string]string
	)
	for server := range b.client.ToolsForAgent(b.agent) {
		defs, err := b.client.ListTools(ctx, server)
		if err != nil {
			if errs == nil {
				errs = make(map[string]string)
			}
			errs[server] = err.Error()
			b.logger.Debug("list tools failed", "mcp_server", server, "error", err)
			continue
		}
		for _, td := range defs {
			out = append(out, Tool{
				Name:        ToolName(server, td.Name),
				Server:      server,
				Tool:        td.Name,
				Description: td.Description,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolName builds the namespaced name of tool on server.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(server), sanitize(tool))
}

func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
