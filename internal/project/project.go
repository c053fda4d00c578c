// Package project maps chat conversations to the working directories the
// agent runs in.
package project

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zette-dev/chatbridge/internal/config"
)

// Chat identifies the conversation being resolved. Username and Title may be
// empty for direct messages.
type Chat struct {
	ID       string
	Username string
	Title    string
}

// Assignment is an explicit conversation to directory mapping.
type Assignment struct {
	ConversationID string
	Path           string
}

// Resolver picks a working directory for a chat. Explicit assignments made at
// runtime win over the configured chat map, which wins over the default
// workspace.
type Resolver struct {
	basePath    string
	defaultName string
	chatMap     map[string]string

	mu       sync.RWMutex
	assigned map[string]string
}

// NewResolver creates a resolver from the workspaces config section.
func NewResolver(cfg config.WorkspacesConfig) *Resolver {
	def := cfg.Default
	if def == "" {
		def = "home"
	}
	return &Resolver{
		basePath:    config.ExpandHome(cfg.BasePath),
		defaultName: def,
		chatMap:     cfg.ChatMap,
		assigned:    make(map[string]string),
	}
}

// Resolve maps a chat to its workspace directory. Resolution order:
//  1. Explicit assignment for the chat id
//  2. @username (config key "@mygroup" or "mygroup")
//  3. Chat title (e.g. "My Team")
//  4. Chat id string (e.g. "-1001234567890")
//  5. Default workspace
func (r *Resolver) Resolve(chat Chat) string {
	if path, ok := r.Assigned(chat.ID); ok {
		return path
	}

	if chat.Username != "" {
		uname := strings.TrimPrefix(chat.Username, "@")
		if name, ok := r.chatMap["@"+uname]; ok {
			return r.join(name)
		}
		if name, ok := r.chatMap[uname]; ok {
			return r.join(name)
		}
	}
	if chat.Title != "" {
		if name, ok := r.chatMap[chat.Title]; ok {
			return r.join(name)
		}
	}
	if name, ok := r.chatMap[chat.ID]; ok {
		return r.join(name)
	}
	return r.join(r.defaultName)
}

// AssignName pins a conversation to a directory named after name under the
// base path. The name is always sanitized, so the result never leaves the
// base path.
func (r *Resolver) AssignName(conversationID, name string) (string, error) {
	dir := Sanitize(name)
	if dir == "" {
		return "", fmt.Errorf("assign project: %q has no usable characters", name)
	}
	return r.assign(conversationID, filepath.Join(r.basePath, dir)), nil
}

// AssignPath pins a conversation to an absolute (or "~") directory.
func (r *Resolver) AssignPath(conversationID, dir string) (string, error) {
	expanded := config.ExpandHome(strings.TrimSpace(dir))
	if !filepath.IsAbs(expanded) {
		return "", fmt.Errorf("assign project: %q is not an absolute path", dir)
	}
	return r.assign(conversationID, filepath.Clean(expanded)), nil
}

func (r *Resolver) assign(conversationID, path string) string {
	r.mu.Lock()
	r.assigned[conversationID] = path
	r.mu.Unlock()

	slog.Info("project assigned", "conversation_id", conversationID, "path", path)
	return path
}

// Assigned returns the explicit assignment for a conversation.
func (r *Resolver) Assigned(conversationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	path, ok := r.assigned[conversationID]
	return path, ok
}

// Unassign drops an explicit assignment. The chat falls back to the chat map.
func (r *Resolver) Unassign(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.assigned, conversationID)
}

// Assignments lists explicit assignments ordered by conversation id.
func (r *Resolver) Assignments() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Assignment, 0, len(r.assigned))
	for id, path := range r.assigned {
		out = append(out, Assignment{ConversationID: id, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

func (r *Resolver) join(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.basePath, name)
}

// Provision makes sure dir exists so the agent can be started in it.
func Provision(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return nil
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	invalidChar = regexp.MustCompile(`[^a-z0-9-]`)
	hyphenRun   = regexp.MustCompile(`-+`)
)

// Sanitize turns a chat or project name into a directory name: lower case,
// spaces to hyphens, only [a-z0-9-], no repeated or edge hyphens.
func Sanitize(name string) string {
	s := strings.ToLower(name)
	s = spaceRun.ReplaceAllString(s, "-")
	s = invalidChar.ReplaceAllString(s, "")
	s = hyphenRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
