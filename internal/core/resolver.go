package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mikey-austin/glassroll/internal/ports"
	"github.com/mikey-austin/glassroll/pkg/roll"
)

const nodeIDPrefix = "roll:"

// Resolver resolves selectors to node presence.
type Resolver struct {
	Presence ports.Broker
	Config   Config
}

// ResolveGallery resolves a gallery selector using config defaults.
func (r Resolver) ResolveGallery(ctx context.Context, selector string) (roll.Presence, error) {
	return r.resolveByKind(ctx, selector, roll.NodeKindGallery, r.Config.Defaults.Gallery)
}

func (r Resolver) resolveByKind(ctx context.Context, selector string, kind string, def string) (roll.Presence, error) {
	if selector == "" {
		selector = def
	}

	presence, err := r.Presence.ListPresence(ctx)
	if err != nil {
		return roll.Presence{}, WrapError(ExitRuntime, "list presence", err)
	}

	filtered := filterPresenceByKind(presence, kind)
	if selector == "" {
		switch len(filtered) {
		case 1:
			return filtered[0], nil
		case 0:
			return roll.Presence{}, &CLIError{Code: ExitUnavailable, Msg: fmt.Sprintf("no %s nodes online", kind)}
		default:
			return roll.Presence{}, &CLIError{Code: ExitUsage, Msg: "selector required: " + suggestionList(filtered)}
		}
	}
	return resolveSelector(selector, filtered, r.Config.Aliases)
}

func filterPresenceByKind(presence []roll.Presence, kind string) []roll.Presence {
	if kind == "" {
		return presence
	}
	out := make([]roll.Presence, 0, len(presence))
	for _, p := range presence {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func resolveSelector(selector string, presence []roll.Presence, aliases map[string]string) (roll.Presence, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return roll.Presence{}, &CLIError{Code: ExitUsage, Msg: "selector required"}
	}

	if alias, ok := aliases[selector]; ok {
		selector = alias
	}
	if strings.HasPrefix(selector, nodeIDPrefix) {
		return resolveExact(selector, presence)
	}

	matches := make([]roll.Presence, 0)
	for _, p := range presence {
		if strings.EqualFold(p.Name, selector) || strings.EqualFold(p.NodeID, selector) {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return roll.Presence{}, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("no match for %q", selector)}
	default:
		return roll.Presence{}, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("ambiguous selector %q: %s", selector, suggestionList(matches))}
	}
}

func resolveExact(nodeID string, presence []roll.Presence) (roll.Presence, error) {
	for _, p := range presence {
		if p.NodeID == nodeID {
			return p, nil
		}
	}
	return roll.Presence{}, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("node not found: %s", nodeID)}
}

func suggestionList(matches []roll.Presence) string {
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.NodeID))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
