package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/room4-2/converse-relay/llm"
)

const weatherSchema = `{
	"type": "object",
	"properties": {
		"location": {
			"type": "string",
			"enum": ["san_francisco", "chicago", "seattle", "guangzhou"]
		}
	},
	"required": ["location"],
	"additionalProperties": false
}`

type weatherArgs struct {
	Location string `json:"location"`
}

var forecasts = map[string]string{
	"san_francisco": "chilly, probably rainy",
	"chicago":       "it's cold",
	"seattle":       "definitely raining",
	"guangzhou":     "it's sunny",
}

// WeatherTool reports canned weather for a handful of cities
func WeatherTool() Tool {
	return Tool{
		Spec: llm.ToolSpec{
			Name:        "get_weather",
			Description: "Get the weather for a location",
			Parameters:  json.RawMessage(weatherSchema),
			Strict:      true,
		},
		Handler: getWeather,
	}
}

func getWeather(_ context.Context, raw json.RawMessage) (any, error) {
	var args weatherArgs
	if err := sonic.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	weather, ok := forecasts[strings.ToLower(args.Location)]
	if !ok {
		return nil, fmt.Errorf("unknown location %q", args.Location)
	}
	return map[string]string{"weather": weather}, nil
}
