package orchestrator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// GenerationRequest is a single prompt to be served by one provider.
// Provider and Model are optional; the Router fills them in.
type GenerationRequest struct {
	Prompt       string            `json:"prompt" validate:"required"`
	Provider     provider.Identity `json:"provider,omitempty" validate:"omitempty,identity"`
	Model        string            `json:"model,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	TaskType     string            `json:"task_type,omitempty"`
	Temperature  float64           `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int               `json:"max_tokens" validate:"omitempty,min=1,max=32000"`
	UseCache     bool              `json:"use_cache"`
}

// Result is what Generate and SmartRoute return.
type Result struct {
	Text       string            `json:"text"`
	Provider   provider.Identity `json:"provider"`
	Model      string            `json:"model,omitempty"`
	Cached     bool              `json:"cached"`
	FailedOver bool              `json:"failed_over"`
	Latency    time.Duration     `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		_, err := provider.ParseIdentity(fl.Field().String())
		return err == nil
	})
}

// normalize validates r and fills defaults. MaxTokens 0 means the default.
func (r *GenerationRequest) normalize() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(verrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "identity":
			msgs = append(msgs, fmt.Sprintf("%s %q is not a known provider", fe.Field(), fe.Value()))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "lte", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, ", ")
}

// promptContent is the text fingerprinted for the cache.
func (r *GenerationRequest) promptContent() string {
	if r.SystemPrompt == "" {
		return r.Prompt
	}
	return r.SystemPrompt + "\n\n" + r.Prompt
}

func (r *GenerationRequest) providerRequest(model string) *provider.Request {
	return &provider.Request{
		Model:       model,
		Messages:    provider.Messages(r.SystemPrompt, r.Prompt),
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}
