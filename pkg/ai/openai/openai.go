package openai

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// GraphOpenAIClient implements ai.GraphAIClient against any OpenAI compatible
// chat completion endpoint.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	ai.MetricsRecorder

	model   string
	chatURL string

	reqLock *semaphore.Weighted

	ChatClient *openai.Client
}

// NewGraphOpenAIClientParams defines the configuration parameters for creating
// a new GraphOpenAIClient.
//
// Model is used whenever a request does not name a model explicitly.
// ChatURL and ChatKey configure the chat/completion API endpoint; an empty
// ChatURL means the official OpenAI API.
type NewGraphOpenAIClientParams struct {
	Model string

	ChatURL string
	ChatKey string

	MaxConcurrentRequests int64
	MaxRetries            int
}

// NewGraphOpenAIClient creates and returns a new GraphOpenAIClient.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		Model:   "gpt-4o-mini",
//		ChatKey: os.Getenv("OPENAI_API_KEY"),
//		MaxConcurrentRequests: 8,
//	})
func NewGraphOpenAIClient(
	params NewGraphOpenAIClientParams,
) *GraphOpenAIClient {
	if params.MaxConcurrentRequests <= 0 {
		params.MaxConcurrentRequests = 1
	}

	return &GraphOpenAIClient{
		model:   params.Model,
		chatURL: params.ChatURL,
		reqLock: semaphore.NewWeighted(params.MaxConcurrentRequests),

		ChatClient: newOpenaiClient(params.ChatURL, params.ChatKey, params.MaxRetries),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
	maxRetries int,
) *openai.Client {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the extraction worker.
		option.WithMaxRetries(maxRetries),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// classifyError marks client errors that will not succeed on retry. Rate
// limiting and server errors stay unwrapped and are treated as transient.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
			return fmt.Errorf("%w: status %d: %v", ai.ErrRequestRejected, status, err)
		}
	}
	return err
}
