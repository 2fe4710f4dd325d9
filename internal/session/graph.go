package session

import (
	"slices"

	"github.com/samber/lo"
)

// watchGraph indexes parent/watcher relationships and the creation order
// of top-level sessions. It has no lock of its own; the Registry mutates
// it under its write lock and reads it under its read lock.
type watchGraph struct {
	topLevel []string
	watchers map[string][]string // parent -> watchers, creation order
	parents  map[string]string   // watcher -> parent
}

func newWatchGraph() *watchGraph {
	return &watchGraph{
		watchers: make(map[string][]string),
		parents:  make(map[string]string),
	}
}

func (g *watchGraph) addTopLevel(id string) {
	g.topLevel = append(g.topLevel, id)
}

func (g *watchGraph) addWatcher(parentID, id string) {
	g.watchers[parentID] = append(g.watchers[parentID], id)
	g.parents[id] = parentID
}

// remove drops id from every index. Its own watchers must be removed first.
func (g *watchGraph) remove(id string) {
	if parentID, ok := g.parents[id]; ok {
		rest := lo.Without(g.watchers[parentID], id)
		if len(rest) == 0 {
			delete(g.watchers, parentID)
		} else {
			g.watchers[parentID] = rest
		}
		delete(g.parents, id)
		return
	}
	g.topLevel = lo.Without(g.topLevel, id)
	delete(g.watchers, id)
}

func (g *watchGraph) watchersOf(parentID string) []string {
	return slices.Clone(g.watchers[parentID])
}

func (g *watchGraph) parentOf(id string) (string, bool) {
	p, ok := g.parents[id]
	return p, ok
}

// order returns every session depth-first: each top-level session
// followed by its watchers.
func (g *watchGraph) order() []string {
	out := make([]string, 0, len(g.topLevel)+len(g.parents))
	for _, id := range g.topLevel {
		out = append(out, id)
		out = append(out, g.watchers[id]...)
	}
	return out
}
