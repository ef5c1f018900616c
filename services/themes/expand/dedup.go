// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package expand

import (
	"context"
	"sort"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/similarity"
)

// dedupPreFilter is the local score floor below which a node pair is not
// worth a scorer call during deduplication.
const dedupPreFilter = 0.3

type flatNode struct {
	node   *domain.ConsolidatedTheme
	parent *domain.ConsolidatedTheme // nil for roots
	depth  int
}

// dedupForest merges duplicate nodes across siblings and hierarchy
// levels. The losing node is absorbed into the winner: higher confidence
// wins, remaining ties prefer the deeper, more specific node. The second
// return value lists the winners that absorbed something and survived the
// pass; each needs another trip through the expansion state machine.
func (e *Engine) dedupForest(ctx context.Context, roots []*domain.ConsolidatedTheme) ([]*domain.ConsolidatedTheme, []*flatNode, error) {
	flat := flatten(roots)
	removed := make(map[string]struct{})
	absorbedBy := make(map[string]struct{})
	var winners []*flatNode

	for i := 0; i < len(flat); i++ {
		for j := i + 1; j < len(flat); j++ {
			a, b := flat[i], flat[j]
			if _, gone := removed[a.node.ID]; gone {
				break
			}
			if _, gone := removed[b.node.ID]; gone {
				continue
			}
			if isAncestor(a.node, b.node) || isAncestor(b.node, a.node) {
				continue
			}

			profA := similarity.ProfileFromTheme(a.node)
			profB := similarity.ProfileFromTheme(b.node)
			if similarity.LocalScores(profA, profB).Combined() < dedupPreFilter {
				continue
			}

			metrics, err := e.scorer.Calculate(ctx, profA, profB)
			if err != nil {
				return nil, nil, err
			}
			if !metrics.ShouldMerge {
				continue
			}

			winner, loser := pickWinner(a, b)
			e.log.Info("absorbing duplicate theme",
				"kept", winner.node.Name, "absorbed", loser.node.Name,
				"score", metrics.Combined)
			absorb(winner.node, loser.node)
			removed[loser.node.ID] = struct{}{}
			if _, seen := absorbedBy[winner.node.ID]; !seen {
				absorbedBy[winner.node.ID] = struct{}{}
				winners = append(winners, winner)
			}
			roots = detach(roots, loser)
		}
	}

	kept := winners[:0]
	for _, w := range winners {
		if _, gone := removed[w.node.ID]; !gone {
			kept = append(kept, w)
		}
	}
	return roots, kept, nil
}

func flatten(roots []*domain.ConsolidatedTheme) []*flatNode {
	var out []*flatNode
	var walk func(node, parent *domain.ConsolidatedTheme, depth int)
	walk = func(node, parent *domain.ConsolidatedTheme, depth int) {
		out = append(out, &flatNode{node: node, parent: parent, depth: depth})
		for _, child := range node.Children {
			walk(child, node, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, nil, 0)
	}
	return out
}

func isAncestor(ancestor, node *domain.ConsolidatedTheme) bool {
	found := false
	ancestor.Walk(func(n *domain.ConsolidatedTheme) bool {
		if n != ancestor && n.ID == node.ID {
			found = true
			return false
		}
		return true
	})
	return found
}

func pickWinner(a, b *flatNode) (winner, loser *flatNode) {
	if a.node.Confidence != b.node.Confidence {
		if a.node.Confidence > b.node.Confidence {
			return a, b
		}
		return b, a
	}
	if b.depth > a.depth {
		return b, a
	}
	return a, b
}

// absorb folds the loser's files, snippets, source trail, and children
// into the winner.
func absorb(winner, loser *domain.ConsolidatedTheme) {
	fileSet := winner.FileSet()
	for _, f := range loser.Files {
		if _, ok := fileSet[f]; !ok {
			winner.Files = append(winner.Files, f)
		}
	}
	sort.Strings(winner.Files)

	winner.Snippets = append(winner.Snippets, loser.Snippets...)

	sourceSet := make(map[string]struct{}, len(winner.SourceThemes))
	for _, id := range winner.SourceThemes {
		sourceSet[id] = struct{}{}
	}
	for _, id := range loser.SourceThemes {
		if _, ok := sourceSet[id]; !ok {
			winner.SourceThemes = append(winner.SourceThemes, id)
		}
	}

	winner.Children = append(winner.Children, loser.Children...)
	loser.Children = nil
}

// detach removes the loser from its parent's children, or from the root
// slice when it is a root.
func detach(roots []*domain.ConsolidatedTheme, loser *flatNode) []*domain.ConsolidatedTheme {
	if loser.parent != nil {
		kept := loser.parent.Children[:0]
		for _, child := range loser.parent.Children {
			if child.ID != loser.node.ID {
				kept = append(kept, child)
			}
		}
		loser.parent.Children = kept
		return roots
	}
	kept := roots[:0]
	for _, root := range roots {
		if root.ID != loser.node.ID {
			kept = append(kept, root)
		}
	}
	return kept
}
