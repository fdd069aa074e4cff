package openaicompat

import (
	"time"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

const (
	NVIDIABaseURL    = "https://integrate.api.nvidia.com/v1"
	SambaNovaBaseURL = "https://api.sambanova.ai/v1"
	CerebrasBaseURL  = "https://api.cerebras.ai/v1"
)

// Preset returns the built-in defaults for a supported backend. ok is false
// for identities that have no OpenAI-compatible preset.
func Preset(id provider.Identity, apiKey, baseURL string, timeout time.Duration) (Options, bool) {
	var opts Options
	switch id {
	case provider.NVIDIA:
		opts = Options{
			BaseURL:      NVIDIABaseURL,
			DefaultModel: "deepseek-ai/deepseek-v3.1",
			Models: []string{
				"deepseek-ai/deepseek-v3.1",
				"nvidia/nvidia-nemotron-nano-9b-v2",
				"meta/llama-3.3-70b-instruct",
			},
		}
	case provider.SambaNova:
		opts = Options{
			BaseURL:      SambaNovaBaseURL,
			DefaultModel: "DeepSeek-V3.1",
			Models: []string{
				"DeepSeek-V3.1",
				"Meta-Llama-3.3-70B-Instruct",
			},
		}
	case provider.Cerebras:
		opts = Options{
			BaseURL:      CerebrasBaseURL,
			DefaultModel: "llama-3.3-70b",
			Models: []string{
				"llama-3.3-70b",
				"qwen-3-coder-480b",
				"qwen-3-235b-a22b-thinking-2507",
			},
		}
	default:
		return Options{}, false
	}

	opts.Provider = id
	opts.APIKey = apiKey
	opts.Timeout = timeout
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return opts, true
}
