package news

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPrompt(t *testing.T) {
	prompt, err := Prompt(Articles())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(prompt, promptPrefix) {
		t.Errorf("prompt does not start with %q", promptPrefix)
	}
	if !strings.HasSuffix(prompt, " ") {
		t.Errorf("prompt should end with a space")
	}

	var articles []Article
	body := strings.TrimSuffix(strings.TrimPrefix(prompt, promptPrefix), " ")
	if err := json.Unmarshal([]byte(body), &articles); err != nil {
		t.Fatalf("prompt does not embed a JSON article array: %v", err)
	}
	if len(articles) != 4 {
		t.Fatalf("got %d articles, want 4", len(articles))
	}
	for i, a := range Articles() {
		if articles[i] != a {
			t.Errorf("article %d: got %+v, want %+v", i, articles[i], a)
		}
	}
}

func TestArticlesReturnsCopy(t *testing.T) {
	a := Articles()
	a[0].Title = "changed"

	if Articles()[0].Title == "changed" {
		t.Error("Articles exposes the built-in batch")
	}
}
