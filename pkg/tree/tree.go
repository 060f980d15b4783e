// Package tree builds the virtual directory tree shown for a set of file
// records, plus a few helpers for walking the result.
package tree

import (
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/filedeck/filedeck/pkg/models"
)

// Rebuild constructs the forest for records from scratch. Output depends only
// on the input: records sharing a path prefix share one folder node, every
// record gets its own leaf (duplicate paths give duplicate sibling leaves),
// and every sibling list is sorted folders-first then by collated label.
//
// Folders are resolved through a prefix-key index, so the cost is
// O(records * depth) string joins.
func Rebuild(records []models.FileRecord) []*models.TreeNode {
	b := &builder{
		roots:   []*models.TreeNode{},
		folders: make(map[string]*models.TreeNode),
	}
	for i := range records {
		b.place(&records[i])
	}
	// collate.Collator is not safe for concurrent use; one per call.
	sortLevel(b.roots, collate.New(language.Und))
	return b.roots
}

type builder struct {
	roots []*models.TreeNode
	// folders only; leaves never enter the index.
	folders map[string]*models.TreeNode
}

func (b *builder) place(r *models.FileRecord) {
	segs := Segments(r.Path, r.FileName)
	siblings := &b.roots
	key := ""
	for i, seg := range segs {
		if i == 0 {
			key = seg
		} else {
			key = key + "/" + seg
		}
		if i == len(segs)-1 {
			*siblings = append(*siblings, newLeaf(key, seg, r))
			return
		}
		folder, ok := b.folders[key]
		if !ok {
			folder = &models.TreeNode{
				Key:      key,
				Label:    seg,
				Kind:     models.KindFolder,
				FileType: models.FileTypeFolder,
				Children: []*models.TreeNode{},
			}
			b.folders[key] = folder
			*siblings = append(*siblings, folder)
		}
		siblings = &folder.Children
	}
}

func newLeaf(key, label string, r *models.FileRecord) *models.TreeNode {
	n := &models.TreeNode{
		Key:      key,
		Label:    label,
		Kind:     models.KindLeaf,
		FileType: models.FileTypeOf(r.MimeType),
		Size:     r.Size,
		MimeType: r.MimeType,
	}
	if r.ID != nil {
		id := *r.ID
		n.RecordID = &id
	}
	return n
}

// sortLevel sorts children before their parents' sibling list.
func sortLevel(nodes []*models.TreeNode, c *collate.Collator) {
	for _, n := range nodes {
		if n.IsFolder() {
			sortLevel(n.Children, c)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return less(c, nodes[i], nodes[j])
	})
}

func less(c *collate.Collator, a, b *models.TreeNode) bool {
	if a.IsFolder() != b.IsFolder() {
		return a.IsFolder()
	}
	if cmp := c.CompareString(a.Label, b.Label); cmp != 0 {
		return cmp < 0
	}
	return a.Label < b.Label
}

// FindByKey returns the first node with key in pre-order. Folders sort ahead
// of leaves, so a folder wins over a leaf sharing its key.
func FindByKey(forest []*models.TreeNode, key string) *models.TreeNode {
	for _, n := range forest {
		if n.Key == key {
			return n
		}
		if strings.HasPrefix(key, n.Key+"/") {
			if found := FindByKey(n.Children, key); found != nil {
				return found
			}
		}
	}
	return nil
}

// CountNodes counts all nodes in a forest.
func CountNodes(forest []*models.TreeNode) int {
	count := 0
	Walk(forest, func(*models.TreeNode, int) bool {
		count++
		return true
	})
	return count
}

// Walk visits every node in pre-order. Returning false from fn skips the
// node's children.
func Walk(forest []*models.TreeNode, fn func(n *models.TreeNode, depth int) bool) {
	walk(forest, 0, fn)
}

func walk(nodes []*models.TreeNode, depth int, fn func(*models.TreeNode, int) bool) {
	for _, n := range nodes {
		if fn(n, depth) {
			walk(n.Children, depth+1, fn)
		}
	}
}
