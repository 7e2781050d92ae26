// Package news implements the aggregate_news tool server, which rewrites a fixed batch of news
// articles through a language model reached over MCP sampling.
package news

// Article is a single news item, both as sent to the model and as the model must return it.
type Article struct {
	Title   string `json:"title" jsonschema:"minLength=1"`
	Source  string `json:"source"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

var sampleArticles = []Article{
	{
		Title:   "Disaster Looms as Incompetent Leaders Fumble Climate Policy",
		Source:  "HotTake News",
		URL:     "https://hottakenews.com/climate-crisis",
		Content: "In yet another display of utter negligence, world leaders failed to reach a consensus on climate action, dooming future generations to a planet in crisis.",
	},
	{
		Title:   "Tech Billionaires Save the Economy Again",
		Source:  "Silicon Beat",
		URL:     "https://siliconbeat.com/billionaire-heroes",
		Content: "Thanks to visionary entrepreneurs, the tech sector is booming while the rest of the economy struggles. Once again, innovation proves its worth over government red tape.",
	},
	{
		Title:   "Opposition's Reckless Promises Threaten National Stability",
		Source:  "Patriot Daily",
		URL:     "https://patriotdaily.com/opposition-chaos",
		Content: "The opposition party continues to push absurd, budget-wrecking proposals that would destabilize the country and undo decades of responsible governance.",
	},
	{
		Title:   "Progressive Reforms Bring Hope and Dignity to Millions",
		Source:  "Progress Watch",
		URL:     "https://progresswatch.org/new-era",
		Content: "Bold reforms spearheaded by progressives are finally giving a voice to the marginalized and restoring dignity to working families across the nation.",
	},
}

// Articles returns a copy of the built-in article batch.
func Articles() []Article {
	return append([]Article(nil), sampleArticles...)
}
