// Copyright 2025 Amicable
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deepagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amicable/orchestrator/internal/policy"
)

// toolSpec pairs a tool's wire definition with the function that actually
// runs it against a resolved sandbox backend.
type toolSpec struct {
	def  wireToolFunction
	call func(ctx context.Context, backend policy.Backend, args map[string]any) (any, error)
}

func schemaString(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var catalog = []toolSpec{
	{
		def: wireToolFunction{
			Name:        "execute",
			Description: "Run a shell command in the project sandbox and return its stdout, stderr, and exit code.",
			Parameters:  objectSchema([]string{"command"}, map[string]any{"command": schemaString("the shell command to run")}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			cmd, _ := args["command"].(string)
			return b.Execute(ctx, cmd)
		},
	},
	{
		def: wireToolFunction{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content.",
			Parameters: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    schemaString("absolute path of the file to write"),
				"content": schemaString("full file content"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := b.UploadFiles(ctx, map[string][]byte{path: []byte(content)}); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "bytes_written": len(content)}, nil
		},
	},
	{
		def: wireToolFunction{
			Name:        "edit_file",
			Description: "Replace the first occurrence of old_text with new_text in an existing file.",
			Parameters: objectSchema([]string{"path", "old_text", "new_text"}, map[string]any{
				"path":     schemaString("absolute path of the file to edit"),
				"old_text": schemaString("the exact existing text to replace"),
				"new_text": schemaString("the replacement text"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			current, err := b.Read(ctx, path, 0, 0)
			if err != nil {
				return nil, err
			}
			updated, n := replaceFirst(current, oldText, newText)
			if n == 0 {
				return nil, fmt.Errorf("edit_file: old_text not found in %s", path)
			}
			if err := b.UploadFiles(ctx, map[string][]byte{path: []byte(updated)}); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "replacements": n}, nil
		},
	},
	{
		def: wireToolFunction{
			Name:        "read_file",
			Description: "Read a file's contents, optionally a line offset/limit window.",
			Parameters: objectSchema([]string{"path"}, map[string]any{
				"path":   schemaString("absolute path of the file to read"),
				"offset": map[string]any{"type": "integer", "description": "starting line, 0-based"},
				"limit":  map[string]any{"type": "integer", "description": "maximum lines to read, 0 for unlimited"},
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			offset, limit := intArg(args, "offset"), intArg(args, "limit")
			content, err := b.Read(ctx, path, offset, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "content": content}, nil
		},
	},
	{
		def: wireToolFunction{
			Name:        "grep",
			Description: "Search file contents for a regular expression under a path, optionally restricted by glob.",
			Parameters: objectSchema([]string{"pattern"}, map[string]any{
				"pattern": schemaString("regular expression to search for"),
				"path":    schemaString("directory to search under, defaults to project root"),
				"glob":    schemaString("glob to restrict matched file names"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			pattern, _ := args["pattern"].(string)
			path, _ := args["path"].(string)
			glob, _ := args["glob"].(string)
			return b.GrepRaw(ctx, pattern, path, glob)
		},
	},
	{
		def: wireToolFunction{
			Name:        "glob",
			Description: "List files matching a glob pattern under a path.",
			Parameters: objectSchema([]string{"pattern"}, map[string]any{
				"pattern": schemaString("glob pattern, e.g. **/*.ts"),
				"path":    schemaString("directory to search under, defaults to project root"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			pattern, _ := args["pattern"].(string)
			path, _ := args["path"].(string)
			return b.GlobInfo(ctx, pattern, path)
		},
	},
	{
		def: wireToolFunction{
			Name:        "manifest",
			Description: "List every file, directory, and symlink under a directory with size and modification time.",
			Parameters: objectSchema(nil, map[string]any{
				"path": schemaString("directory to enumerate, defaults to project root"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			dir, _ := args["path"].(string)
			return b.Manifest(ctx, dir)
		},
	},
	{
		def: wireToolFunction{
			Name:        "db_drop_table",
			Description: "Drop a table from the project's generated database. Destructive and irreversible.",
			Parameters: objectSchema([]string{"table"}, map[string]any{
				"table": schemaString("name of the table to drop"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			table, _ := args["table"].(string)
			return b.Execute(ctx, fmt.Sprintf("node /amicable-db.js drop-table %s", table))
		},
	},
	{
		def: wireToolFunction{
			Name:        "db_truncate_table",
			Description: "Delete all rows from a table in the project's generated database. Destructive and irreversible.",
			Parameters: objectSchema([]string{"table"}, map[string]any{
				"table": schemaString("name of the table to truncate"),
			}),
		},
		call: func(ctx context.Context, b policy.Backend, args map[string]any) (any, error) {
			table, _ := args["table"].(string)
			return b.Execute(ctx, fmt.Sprintf("node /amicable-db.js truncate-table %s", table))
		},
	},
}

// wireTools returns every catalog entry's OpenAI-shaped tool definition.
func wireTools() []wireTool {
	out := make([]wireTool, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, wireTool{Type: "function", Function: t.def})
	}
	return out
}

// dispatch runs the named tool against backend, returning its raw result
// (marshaled to JSON for the tool-result message) or an error.
func dispatch(ctx context.Context, backend policy.Backend, name string, args map[string]any) (string, error) {
	for _, t := range catalog {
		if t.def.Name != name {
			continue
		}
		result, err := t.call(ctx, backend, args)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("deepagent: marshal %s result: %w", name, err)
		}
		return string(raw), nil
	}
	return "", fmt.Errorf("deepagent: unknown tool %q", name)
}

// ToolSchemasRaw exports every catalog tool's parameter schema as raw JSON,
// keyed by tool name, for hitl.CompileSchemas.
func ToolSchemasRaw() map[string][]byte {
	out := make(map[string][]byte, len(catalog))
	for _, t := range catalog {
		raw, err := json.Marshal(t.def.Parameters)
		if err != nil {
			panic("deepagent: tool schema does not marshal: " + err.Error())
		}
		out[t.def.Name] = raw
	}
	return out
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// replaceFirst replaces the first occurrence of old in s with new, reporting
// how many replacements were made (0 or 1).
func replaceFirst(s, old, new string) (string, int) {
	if old == "" {
		return s, 0
	}
	idx := strings.Index(s, old)
	if idx < 0 {
		return s, 0
	}
	return s[:idx] + new + s[idx+len(old):], 1
}
