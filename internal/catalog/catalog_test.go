package catalog

import (
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/filedeck/filedeck/pkg/models"
	"github.com/filedeck/filedeck/pkg/tree"
)

func rec(path string, size int64) models.FileRecord {
	segs := tree.Segments(path, "")
	return models.FileRecord{FileName: segs[len(segs)-1], Path: path, Size: size}
}

func paths(records []models.FileRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key()
	}
	return out
}

func TestReplace(t *testing.T) {
	c := New()
	if c.Len() != 0 || len(c.Visible()) != 0 {
		t.Fatal("new catalog not empty")
	}

	c.Replace([]models.FileRecord{rec("a", 1), rec("b", 2)})
	c.Replace([]models.FileRecord{rec("c", 3)})
	if got := paths(c.All()); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("All = %q, want [c]", got)
	}
	if !reflect.DeepEqual(c.All(), c.Visible()) {
		t.Error("Visible != All with empty term")
	}
}

func TestAppendKeepsDuplicates(t *testing.T) {
	c := New()
	c.Replace([]models.FileRecord{rec("docs/a.txt", 1), rec("docs/b.txt", 5)})
	before := c.Len()

	c.Append([]models.FileRecord{rec("docs/b.txt", 10)})
	if c.Len() != before+1 {
		t.Fatalf("Len = %d, want %d", c.Len(), before+1)
	}

	forest := tree.Rebuild(c.Visible())
	docs := tree.FindByKey(forest, "docs")
	dupes := 0
	for _, child := range docs.Children {
		if child.Key == "docs/b.txt" {
			dupes++
		}
	}
	if dupes != 2 {
		t.Errorf("got %d leaves at docs/b.txt, want 2", dupes)
	}
}

func TestRemoveByName(t *testing.T) {
	c := New()
	c.Replace([]models.FileRecord{
		rec("docs/a.txt", 1),
		rec("docs/b.txt", 2),
		rec("docs/a.txt", 3),
		{FileName: "root.bin"},
	})

	if n := c.RemoveByName("docs/a.txt"); n != 2 {
		t.Errorf("RemoveByName removed %d, want 2", n)
	}
	if c.Contains("docs/a.txt") {
		t.Error("docs/a.txt still present")
	}

	forest := tree.Rebuild(c.Visible())
	if tree.FindByKey(forest, "docs/a.txt") != nil {
		t.Error("removed leaf still in tree")
	}
	if docs := tree.FindByKey(forest, "docs"); docs == nil || len(docs.Children) != 1 {
		t.Errorf("docs folder = %+v, want one remaining child", docs)
	}

	if n := c.RemoveByName("root.bin"); n != 1 {
		t.Errorf("path-less remove by file name removed %d, want 1", n)
	}
	if n := c.RemoveByName("missing"); n != 0 {
		t.Errorf("remove missing removed %d", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestSetSearchTerm(t *testing.T) {
	c := New()
	c.Replace([]models.FileRecord{
		rec("Docs/Report.PDF", 1),
		rec("img/c.png", 2),
		rec("docs/notes.txt", 3),
		{FileName: "docs-nopath.txt"},
	})

	tests := []struct {
		term string
		want []string
	}{
		{"docs", []string{"Docs/Report.PDF", "docs/notes.txt"}},
		{"REPORT", []string{"Docs/Report.PDF"}},
		{".png", []string{"img/c.png"}},
		{"nopath", []string{}},
		{"zzz", []string{}},
		{"", []string{"Docs/Report.PDF", "img/c.png", "docs/notes.txt", "docs-nopath.txt"}},
	}
	for _, tt := range tests {
		c.SetSearchTerm(tt.term)
		got := paths(c.Visible())
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SetSearchTerm(%q): visible = %q, want %q", tt.term, got, tt.want)
		}
		for _, r := range c.Visible() {
			if tt.term != "" && !strings.Contains(strings.ToLower(r.Path), strings.ToLower(tt.term)) {
				t.Errorf("visible record %q does not contain %q", r.Path, tt.term)
			}
		}
		if c.SearchTerm() != tt.term {
			t.Errorf("SearchTerm = %q, want %q", c.SearchTerm(), tt.term)
		}
	}
}

func TestSearchTermSurvivesMutation(t *testing.T) {
	c := New()
	c.SetSearchTerm("img")
	c.Replace([]models.FileRecord{rec("img/a.png", 1), rec("doc/b.txt", 1)})
	if got := paths(c.Visible()); !reflect.DeepEqual(got, []string{"img/a.png"}) {
		t.Errorf("after Replace visible = %q", got)
	}
	c.Append([]models.FileRecord{rec("img/c.png", 1)})
	if got := paths(c.Visible()); !reflect.DeepEqual(got, []string{"img/a.png", "img/c.png"}) {
		t.Errorf("after Append visible = %q", got)
	}
	c.RemoveByName("img/a.png")
	if got := paths(c.Visible()); !reflect.DeepEqual(got, []string{"img/c.png"}) {
		t.Errorf("after RemoveByName visible = %q", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCopiesAreDetached(t *testing.T) {
	id := int64(1)
	input := []models.FileRecord{{ID: &id, FileName: "a", Path: "a", Content: []byte("x")}}
	c := New()
	c.Replace(input)

	input[0].Path = "mutated"
	id = 99
	all := c.All()
	if all[0].Path != "a" || *all[0].ID != 1 {
		t.Errorf("catalog aliases caller input: %+v", all[0])
	}
	if all[0].Content != nil {
		t.Error("catalog kept content bytes")
	}

	all[0].Path = "changed"
	if c.All()[0].Path != "a" {
		t.Error("All returned internal slice")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Append([]models.FileRecord{rec("d/f", 1)})
				c.SetSearchTerm("d/")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = tree.Rebuild(c.Visible())
				c.RemoveByName("nothing")
			}
		}()
	}
	wg.Wait()
	if c.Len() != 400 {
		t.Errorf("Len = %d, want 400", c.Len())
	}
}

func TestFilterLeavesSearchTerm(t *testing.T) {
	c := New()
	c.Replace([]models.FileRecord{rec("docs/a.txt", 1), rec("img/c.png", 2), {FileName: "loose"}})
	c.SetSearchTerm("img")

	if got := paths(c.Filter("DOCS")); !reflect.DeepEqual(got, []string{"docs/a.txt"}) {
		t.Errorf("Filter(DOCS) = %q", got)
	}
	if got := c.Filter(""); len(got) != 3 {
		t.Errorf("Filter(\"\") returned %d records, want 3", len(got))
	}
	if c.SearchTerm() != "img" || !reflect.DeepEqual(paths(c.Visible()), []string{"img/c.png"}) {
		t.Errorf("Filter changed the search state: term %q visible %q", c.SearchTerm(), paths(c.Visible()))
	}
}
