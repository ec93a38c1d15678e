package cmds

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/history"
	"github.com/go-go-golems/branchchat/pkg/render"
	"github.com/go-go-golems/branchchat/pkg/security"
	"github.com/go-go-golems/branchchat/pkg/toolbox"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AddPersistentFlags registers the backend and output flags shared by all commands.
func AddPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("transport", "sse", "Backend transport (sse, openai, fixture)")
	flags.String("endpoint", "http://localhost:8080/api/chat", "Chat endpoint for the sse transport")
	flags.StringSlice("header", nil, "Extra request header for the sse transport (key=value)")
	flags.String("history-url", "", "Base URL of the message history API")
	flags.String("upload-url", "", "Attachment upload endpoint (default: inline data URLs)")
	flags.Duration("timeout", 0, "HTTP timeout (0 disables)")
	flags.Bool("strict-urls", false, "Only allow https endpoints outside the local network")

	flags.String("openai-api-key", "", "OpenAI API key")
	flags.String("openai-base-url", "", "OpenAI compatible base URL")
	flags.String("model", go_openai.GPT3Dot5Turbo, "Model for the openai transport")
	flags.Float32("temperature", 0, "Sampling temperature for the openai transport (0 uses the default)")
	flags.Int("max-tokens", 0, "Maximum response tokens for the openai transport (0 uses the default)")
	flags.StringSlice("tools", nil, "Local tools offered by the openai transport (current_time, read_file), run after approval")

	flags.String("fixture", "", "Fixture file for the fixture transport")

	flags.Bool("concise", false, "Print messages in a compact form")
	flags.Bool("with-metadata", false, "Print message metadata")
	flags.String("style", "dark", "glamour style used on terminals")
	flags.Bool("no-style", false, "Never style output")
	flags.String("encoding", "", "tiktoken encoding used to count tokens, e.g. cl100k_base")
}

func checkURL(u string) error {
	policy := security.Permissive
	if viper.GetBool("strict-urls") {
		policy = security.URLPolicy{}
	}
	return security.ValidateURL(u, policy)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: viper.GetDuration("timeout")}
}

// NewTransport builds the transport selected by the settings.
func NewTransport() (transport.Transport, error) {
	switch viper.GetString("transport") {
	case "sse":
		options := []transport.SSEOption{transport.WithHTTPClient(httpClient())}
		for _, h := range viper.GetStringSlice("header") {
			k, v, ok := strings.Cut(h, "=")
			if !ok {
				return nil, errors.Errorf("invalid header %q, expected key=value", h)
			}
			options = append(options, transport.WithHeader(k, v))
		}
		endpoint := viper.GetString("endpoint")
		if err := checkURL(endpoint); err != nil {
			return nil, err
		}
		return transport.NewSSETransport(endpoint, options...), nil

	case "openai":
		key := viper.GetString("openai-api-key")
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, errors.New("the openai transport needs --openai-api-key")
		}
		config := go_openai.DefaultConfig(key)
		if baseURL := viper.GetString("openai-base-url"); baseURL != "" {
			if err := checkURL(baseURL); err != nil {
				return nil, err
			}
			config.BaseURL = baseURL
		}
		config.HTTPClient = httpClient()
		var options []transport.OpenAIOption
		if t := float32(viper.GetFloat64("temperature")); t != 0 {
			options = append(options, transport.WithTemperature(t))
		}
		if n := viper.GetInt("max-tokens"); n != 0 {
			options = append(options, transport.WithMaxTokens(n))
		}
		client := go_openai.NewClientWithConfig(config)
		names := viper.GetStringSlice("tools")
		if len(names) == 0 {
			return transport.NewOpenAITransport(client, viper.GetString("model"), options...), nil
		}
		box, err := NewToolbox(names)
		if err != nil {
			return nil, err
		}
		options = append(options, transport.WithTools(box.OpenAITools()...))
		return toolbox.NewTransport(transport.NewOpenAITransport(client, viper.GetString("model"), options...), box), nil

	case "fixture":
		return NewFixtureTransport(viper.GetString("fixture"))
	}
	return nil, errors.Errorf("unknown transport %q", viper.GetString("transport"))
}

func NewFixtureTransport(filename string) (*transport.FixtureTransport, error) {
	if filename == "" {
		return nil, errors.New("the fixture transport needs --fixture")
	}
	scripts, err := transport.LoadFixtureScripts(filename)
	if err != nil {
		return nil, err
	}
	return transport.NewFixtureTransport(scripts...), nil
}

func NewUploader() (transport.Uploader, error) {
	if u := viper.GetString("upload-url"); u != "" {
		if err := checkURL(u); err != nil {
			return nil, err
		}
		return &transport.HTTPUploader{Endpoint: u, Client: httpClient()}, nil
	}
	return transport.DataURLUploader{}, nil
}

// NewFetcher returns the history fetcher for a file, or the configured history API.
func NewFetcher(file string) (history.Fetcher, error) {
	if file != "" {
		return history.NewFileFetcher(file), nil
	}
	if u := viper.GetString("history-url"); u != "" {
		if err := checkURL(u); err != nil {
			return nil, err
		}
		return &history.HTTPFetcher{BaseURL: u, Client: httpClient()}, nil
	}
	return nil, errors.New("no history source, pass a file or --history-url")
}

func NewRenderer() *render.Renderer {
	return &render.Renderer{
		Concise:      viper.GetBool("concise"),
		WithMetadata: viper.GetBool("with-metadata"),
		Styled:       !viper.GetBool("no-style") && isatty.IsTerminal(os.Stdout.Fd()),
		Style:        viper.GetString("style"),
		Encoding:     viper.GetString("encoding"),
	}
}
