package news

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SystemPrompt is sent with every sampling request of the aggregate_news tool.
const SystemPrompt = "You are a news analyst who can analyze the tone, remove bias, or rewrite neutrally " +
	"of news articles and promote fairness and transparency. Return back a JSON array of the news articles. " +
	"Example [{'title':'','source':'','url': '','content': ''}]."

const promptPrefix = "Analyze tone, remove bias, or rewrite neutrally of these news articles: "

// Prompt renders the user message that asks the model to rewrite articles.
func Prompt(articles []Article) (string, error) {
	bs, err := json.Marshal(articles)
	if err != nil {
		return "", fmt.Errorf("failed to marshal articles: %w", err)
	}
	return promptPrefix + string(bs) + " ", nil
}

// stripCodeFence removes a Markdown code fence wrapped around the text, which models often
// add around JSON even when asked not to.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	// Drop the opening fence line, including an optional language tag.
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")

	return strings.TrimSpace(text)
}
