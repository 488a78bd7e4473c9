package llm

const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// BuiltinProviders lists the providers the manager can construct without a
// registered factory, in resolution order.
func BuiltinProviders() []string {
	return []string{ProviderOpenAI, ProviderClaude, ProviderGemini}
}

// IsBuiltinProvider reports whether name is one of BuiltinProviders.
func IsBuiltinProvider(name string) bool {
	switch name {
	case ProviderOpenAI, ProviderClaude, ProviderGemini:
		return true
	default:
		return false
	}
}
