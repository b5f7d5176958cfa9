package providers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/metastore"
)

// ExecutionSettings are read from the settings store at handle creation,
// not per call; a settings change takes effect for new handles.
type ExecutionSettings struct {
	MaxTokens     int
	StopSequences []string
}

// Factory builds and caches chat handles keyed by provider+model.
type Factory struct {
	settings      *metastore.Settings
	ollamaBaseURL string

	mu    sync.Mutex
	cache map[string]ChatHandle
}

func NewFactory(settings *metastore.Settings, ollamaBaseURL string) *Factory {
	return &Factory{
		settings:      settings,
		ollamaBaseURL: ollamaBaseURL,
		cache:         map[string]ChatHandle{},
	}
}

// Handle returns the cached handle for provider+model, creating it on
// first use. Missing API keys surface as ConfigMissing.
func (f *Factory) Handle(provider, model string) (ChatHandle, error) {
	key := strings.ToLower(provider) + "/" + model
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.cache[key]; ok {
		return h, nil
	}

	h, err := f.build(strings.ToLower(provider), model)
	if err != nil {
		return nil, err
	}
	f.cache[key] = h
	return h, nil
}

func (f *Factory) build(provider, model string) (ChatHandle, error) {
	exec := f.executionSettings(provider)
	switch provider {
	case "openai":
		apiKey, err := f.settings.GetSecret("OpenAi.ApiKey")
		if err != nil {
			return nil, err
		}
		baseURL := f.settings.StringOr("OpenAi.BaseUrl", "")
		return newOpenAIHandle(apiKey, baseURL, model, exec), nil
	case "anthropic", "claude":
		apiKey, err := f.settings.GetSecret("Anthropic.ApiKey")
		if err != nil {
			return nil, err
		}
		baseURL := f.settings.StringOr("Anthropic.BaseUrl", "https://api.anthropic.com")
		return newClaudeHandle(apiKey, baseURL, model, exec), nil
	case "google", "gemini":
		apiKey, err := f.settings.GetSecret("Google.ApiKey")
		if err != nil {
			return nil, err
		}
		baseURL := f.settings.StringOr("Google.BaseUrl",
			"https://generativelanguage.googleapis.com")
		return newGeminiHandle(apiKey, baseURL, model, exec), nil
	case "ollama":
		return newOllamaHandle(f.ollamaBaseURL, model, exec), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, provider)
	}
}

func (f *Factory) executionSettings(provider string) ExecutionSettings {
	prefix := map[string]string{
		"openai": "OpenAi", "anthropic": "Anthropic", "claude": "Anthropic",
		"google": "Google", "gemini": "Google", "ollama": "Ollama",
	}[provider]
	exec := ExecutionSettings{MaxTokens: 4096}
	if prefix == "" {
		return exec
	}
	exec.MaxTokens = f.settings.IntOr(prefix+".MaxTokens", 4096)
	if raw := f.settings.StringOr(prefix+".StopSequences", ""); raw != "" {
		for _, s := range strings.Split(raw, "\n") {
			if s = strings.TrimSpace(s); s != "" {
				exec.StopSequences = append(exec.StopSequences, s)
			}
		}
	}
	return exec
}
