// Package demand implements runner requirement matching.
//
// A run carries Demands; a runner carries Properties and a tag set. The
// same Satisfies predicate decides both which run a polling runner may
// claim and which runner signals fire when a run is enqueued.
package demand

import (
	"sort"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
)

// Demands are the hard requirements a runner must satisfy to claim a run.
// Empty identity fields match any runner; tags must be a subset of the
// runner's tags.
type Demands struct {
	Hostname     string   `json:"hostname,omitempty"`
	ProjectDir   string   `json:"project_dir,omitempty"`
	ExecutorType string   `json:"executor_type,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Properties is a runner's identity tuple.
type Properties struct {
	Hostname     string `json:"hostname"`
	ProjectDir   string `json:"project_dir"`
	ExecutorType string `json:"executor_type"`
}

// IsZero reports whether no constraint is set.
func (d Demands) IsZero() bool {
	return d.Hostname == "" && d.ProjectDir == "" && d.ExecutorType == "" && len(d.Tags) == 0
}

// Satisfies reports whether a runner with the given properties and tags
// meets all demands.
func Satisfies(props Properties, tags []string, d Demands) bool {
	if d.Hostname != "" && d.Hostname != props.Hostname {
		return false
	}
	if d.ProjectDir != "" && d.ProjectDir != props.ProjectDir {
		return false
	}
	if d.ExecutorType != "" && d.ExecutorType != props.ExecutorType {
		return false
	}
	if len(d.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		have[tag] = struct{}{}
	}
	for _, tag := range d.Tags {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

// Merge combines blueprint demands with request-supplied additional
// demands. Additional demands can only add constraints: a request value
// for an identity field already set by the blueprint to a different value
// is a conflict. Tags are unioned.
func Merge(blueprint, additional Demands) (Demands, error) {
	merged := Demands{
		Hostname:     blueprint.Hostname,
		ProjectDir:   blueprint.ProjectDir,
		ExecutorType: blueprint.ExecutorType,
	}

	fields := []struct {
		name       string
		base       string
		additional string
		dst        *string
	}{
		{"hostname", blueprint.Hostname, additional.Hostname, &merged.Hostname},
		{"project_dir", blueprint.ProjectDir, additional.ProjectDir, &merged.ProjectDir},
		{"executor_type", blueprint.ExecutorType, additional.ExecutorType, &merged.ExecutorType},
	}
	for _, f := range fields {
		if f.additional == "" {
			continue
		}
		if f.base != "" && f.base != f.additional {
			return Demands{}, apperr.Newf(apperr.KindValidation,
				"additional demand %s=%q conflicts with blueprint value %q", f.name, f.additional, f.base)
		}
		*f.dst = f.additional
	}

	merged.Tags = unionTags(blueprint.Tags, additional.Tags)
	return merged, nil
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	for _, tag := range b {
		set[tag] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
