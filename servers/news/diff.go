package news

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff renders the changes between the original articles and their rewrite as one patch per
// changed article, in patch text format. Articles are paired by position; articles present on
// one side only are listed as added or removed. An empty string means nothing changed.
func Diff(original, rewritten []Article) string {
	dmp := diffmatchpatch.New()

	var diff strings.Builder
	for i := 0; i < max(len(original), len(rewritten)); i++ {
		switch {
		case i >= len(rewritten):
			diff.WriteString(fmt.Sprintf("--- %s (original)\n", original[i].Title))
			diff.WriteString("+++ (removed)\n")
			continue
		case i >= len(original):
			diff.WriteString("--- (none)\n")
			diff.WriteString(fmt.Sprintf("+++ %s (added)\n", rewritten[i].Title))
			continue
		}

		o, r := render(original[i]), render(rewritten[i])
		if o == r {
			continue
		}

		diffs := dmp.DiffMain(o, r, true)
		patches := dmp.PatchMake(o, diffs)

		diff.WriteString(fmt.Sprintf("--- %s (original)\n", original[i].Title))
		diff.WriteString(fmt.Sprintf("+++ %s (rewritten)\n", rewritten[i].Title))
		for _, patch := range patches {
			diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
		}
	}

	return diff.String()
}

func render(a Article) string {
	return fmt.Sprintf("title: %s\nsource: %s\nurl: %s\ncontent: %s\n", a.Title, a.Source, a.URL, a.Content)
}
