package openai

var chatModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4-turbo",
	"gpt-4",
	"gpt-3.5-turbo",
	"o1-preview",
	"o1-mini",
}

var embeddingModels = []string{
	"text-embedding-3-small",
	"text-embedding-3-large",
	"text-embedding-ada-002",
}
