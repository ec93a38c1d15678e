package toolbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type WeatherRequest struct {
	City string `json:"city" jsonschema:"required,description=The city name"`
	Unit string `json:"unit,omitempty" jsonschema:"enum=celsius,enum=fahrenheit"`
}

type WeatherResult struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
}

func getWeather(req WeatherRequest) (WeatherResult, error) {
	if req.City == "" {
		return WeatherResult{}, errors.New("city is required")
	}
	return WeatherResult{City: req.City, Temperature: 22.5, Condition: "Sunny"}, nil
}

type EchoRequest struct {
	Text string `json:"text"`
}

func echo(ctx context.Context, req EchoRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return req.Text, nil
}

func testToolbox(t *testing.T) *Toolbox {
	tb := New()
	require.NoError(t, tb.Register("get_weather", "Get the weather for a city", getWeather))
	require.NoError(t, tb.Register("echo", "", echo))
	return tb
}

func TestRegisterValidatesSignature(t *testing.T) {
	tb := New()
	assert.Error(t, tb.Register("not_a_func", "", 42))
	assert.Error(t, tb.Register("scalar_arg", "", func(city string) (string, error) { return city, nil }))
	assert.Error(t, tb.Register("no_error", "", func(req EchoRequest) string { return req.Text }))
	assert.Error(t, tb.Register("two_args", "", func(a EchoRequest, b EchoRequest) (string, error) { return "", nil }))
	assert.Equal(t, 0, tb.Len())
}

func TestRegisterKeepsOrderAndReplaces(t *testing.T) {
	tb := testToolbox(t)
	require.NoError(t, tb.Register("get_weather", "Weather again", getWeather))

	assert.Equal(t, []string{"get_weather", "echo"}, tb.Names())
	assert.True(t, tb.Has("echo"))
	assert.False(t, tb.Has("search"))

	tools := tb.OpenAITools()
	require.Len(t, tools, 2)
	require.NotNil(t, tools[0].Function)
	assert.Equal(t, "get_weather", tools[0].Function.Name)
	assert.Equal(t, "Weather again", tools[0].Function.Description)

	b, err := json.Marshal(tools[0].Function.Parameters)
	require.NoError(t, err)
	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &schema))
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "unit")
	assert.Equal(t, []interface{}{"city"}, schema["required"])
}

func TestExecute(t *testing.T) {
	tb := testToolbox(t)
	ctx := context.Background()

	out, err := tb.Execute(ctx, "get_weather", json.RawMessage(`{"city":"Paris"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"Paris","temperature":22.5,"condition":"Sunny"}`, string(out))

	out, err = tb.Execute(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(out))

	_, err = tb.Execute(ctx, "get_weather", nil)
	assert.EqualError(t, err, "city is required")

	_, err = tb.Execute(ctx, "get_weather", json.RawMessage(`{"city":`))
	assert.Error(t, err)

	_, err = tb.Execute(ctx, "search", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = tb.Execute(cancelled, "echo", json.RawMessage(`{"text":"hi"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteRecoversPanics(t *testing.T) {
	tb := New()
	require.NoError(t, tb.Register("boom", "", func(req EchoRequest) (string, error) {
		panic("kaboom")
	}))
	_, err := tb.Execute(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
