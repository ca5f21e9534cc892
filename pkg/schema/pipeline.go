package schema

// PipelineFile is the on-disk pipeline definition (shipyard.yaml).
type PipelineFile struct {
	Name          string         `yaml:"name" json:"name"`
	Options       map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
	// OptionsSchema is an optional JSON Schema the merged run options must satisfy.
	OptionsSchema map[string]any `yaml:"options_schema,omitempty" json:"options_schema,omitempty"`
	Steps         []StepSpec     `yaml:"steps" json:"steps"`
}

// StepSpec declares one step. Exactly one of Command or Parallel must be set.
type StepSpec struct {
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Critical     bool              `yaml:"critical,omitempty" json:"critical,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Parallel     *ParallelSpec     `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Dir          string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	When         string            `yaml:"when,omitempty" json:"when,omitempty"`                   // CEL
	OutputFilter string            `yaml:"output_filter,omitempty" json:"output_filter,omitempty"` // jq
	Cache        *CacheSpec        `yaml:"cache,omitempty" json:"cache,omitempty"`
	Recovery     *RecoverySpec     `yaml:"recovery,omitempty" json:"recovery,omitempty"`
	Publish      *PublishSpec      `yaml:"publish,omitempty" json:"publish,omitempty"`
}

// ParallelSpec fans a group of commands out through the parallel executor.
type ParallelSpec struct {
	Tasks         []TaskSpec `yaml:"tasks" json:"tasks"`
	MaxConcurrent int        `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	FailFast      bool       `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
	Timeout       string     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	TaskTimeout   string     `yaml:"task_timeout,omitempty" json:"task_timeout,omitempty"`
}

// TaskSpec is one command inside a parallel group.
type TaskSpec struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

// CacheSpec opts a step into result caching keyed by its input files.
type CacheSpec struct {
	Inputs []string `yaml:"inputs" json:"inputs"`
	TTL    string   `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// PublishSpec copies deployment details out of a successful command step
// into the run state. Each field is a jq expression evaluated against the
// filtered output, or the command's stdout when no output_filter is set.
type PublishSpec struct {
	ChannelID        string `yaml:"channel_id,omitempty" json:"channel_id,omitempty"`
	PreviewURLs      string `yaml:"preview_urls,omitempty" json:"preview_urls,omitempty"`
	Version          string `yaml:"version,omitempty" json:"version,omitempty"`
	DeploymentStatus string `yaml:"deployment_status,omitempty" json:"deployment_status,omitempty"`
	// Preview saves the published channel, first URL and version as the
	// last successful preview.
	Preview bool `yaml:"preview,omitempty" json:"preview,omitempty"`
}

// Expressions lists the set jq expressions keyed by field name.
func (p *PublishSpec) Expressions() map[string]string {
	out := make(map[string]string, 4)
	if p == nil {
		return out
	}
	for k, v := range map[string]string{
		"channel_id":        p.ChannelID,
		"preview_urls":      p.PreviewURLs,
		"version":           p.Version,
		"deployment_status": p.DeploymentStatus,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// RecoverySpec overrides the classified strategy's parameters for one step.
// Durations are Go duration strings.
type RecoverySpec struct {
	MaxRetries    *int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty" toml:"max_retries"`
	RetryDelay    string  `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty" toml:"retry_delay"`
	BackoffFactor float64 `yaml:"backoff_factor,omitempty" json:"backoff_factor,omitempty" toml:"backoff_factor"`
	MaxBackoff    string  `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty" toml:"max_backoff"`
}
