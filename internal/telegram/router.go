package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// maxSuggestDistance bounds how far a typo may be from a known command to
// still earn a suggestion.
const maxSuggestDistance = 2

// CommandFunc handles one command invocation.
type CommandFunc func(ctx context.Context, cmd Command)

// Router maps command names to handlers and suggests the closest known
// command for typos.
type Router struct {
	handlers map[string]CommandFunc
	help     map[string]string
	unknown  func(ctx context.Context, cmd Command, suggestion string)
}

// NewRouter creates an empty Router. unknown is invoked for unrecognized
// commands with the best suggestion ("" when nothing is close).
func NewRouter(unknown func(ctx context.Context, cmd Command, suggestion string)) *Router {
	return &Router{
		handlers: make(map[string]CommandFunc),
		help:     make(map[string]string),
		unknown:  unknown,
	}
}

// Handle registers a command. help is the one-line description shown by
// /help.
func (r *Router) Handle(name, help string, fn CommandFunc) {
	name = strings.ToLower(name)
	r.handlers[name] = fn
	r.help[name] = help
}

// Dispatch routes one parsed command.
func (r *Router) Dispatch(ctx context.Context, cmd Command) {
	if fn, ok := r.handlers[cmd.Name]; ok {
		fn(ctx, cmd)
		return
	}
	if r.unknown != nil {
		r.unknown(ctx, cmd, r.Suggest(cmd.Name))
	}
}

// Suggest returns the registered command closest to name by
// Damerau-Levenshtein distance, or "" when nothing is within range.
func (r *Router) Suggest(name string) string {
	best, bestDist := "", maxSuggestDistance+1
	for known := range r.handlers {
		d := matchr.DamerauLevenshtein(name, known)
		if d < bestDist || (d == bestDist && known < best) {
			best, bestDist = known, d
		}
	}
	if bestDist > maxSuggestDistance {
		return ""
	}
	return best
}

// Help renders the command list for /help, sorted by name.
func (r *Router) Help() string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "/%s — %s\n", name, r.help[name])
	}
	return strings.TrimRight(sb.String(), "\n")
}
