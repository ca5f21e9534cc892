package engine

import (
	"context"
	"fmt"

	"github.com/rendis/shipyard/internal/state"
	"github.com/rendis/shipyard/pkg/schema"
)

// publish evaluates the step's publish expressions against input and writes
// the results through sc.State. The evaluated values are returned for the
// step output.
func (b *CommandBody) publish(ctx context.Context, sc *StepContext, input any) (map[string]any, error) {
	pub := b.Publish
	values := make(map[string]any)
	for field, expression := range pub.Expressions() {
		v, err := b.JQ.Filter(ctx, expression, input)
		if err != nil {
			return nil, err
		}
		values[field] = v
	}

	channelID, err := publishedString(values, "channel_id")
	if err != nil {
		return nil, err
	}
	version, err := publishedString(values, "version")
	if err != nil {
		return nil, err
	}
	urls, err := publishedStrings(values, "preview_urls")
	if err != nil {
		return nil, err
	}
	if sc == nil || sc.State == nil {
		return values, nil
	}

	if channelID != "" || len(urls) > 0 {
		sc.State.SetDeployment(ctx, channelID, urls)
	}
	if status, ok := values["deployment_status"]; ok && status != nil {
		sc.State.UpdateMetrics(ctx, map[string]any{state.MetricDeploymentStatus: status})
	}
	if pub.Preview {
		p := &schema.Preview{ChannelID: channelID, Version: version}
		if len(urls) > 0 {
			p.URL = urls[0]
		}
		if p.IsEmpty() {
			if sc.Logger != nil {
				sc.Logger.WarnContext(ctx, "nothing published, preview not saved")
			}
		} else if err := sc.State.SaveLastSuccessfulPreview(ctx, p); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func publishedString(values map[string]any, field string) (string, error) {
	switch v := values[field].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64, int, bool:
		return fmt.Sprint(v), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeWorkflow, "publish.%s: want a string, got %T", field, v)
	}
}

// publishedStrings accepts a single string or an array of strings.
func publishedStrings(values map[string]any, field string) ([]string, error) {
	switch v := values[field].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeWorkflow, "publish.%s: want strings, got %T", field, item)
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeWorkflow, "publish.%s: want a string or a list, got %T", field, v)
	}
}
