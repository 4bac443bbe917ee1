package board

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline is the ordered list of stages a workflow run passes through.
// It is derived once per run and fixed for the run's lifetime; re-deriving
// per event would let a parsing change silently re-order history mid-run.
type Pipeline []Stage

// Index returns the position of stage in the pipeline, or -1.
func (p Pipeline) Index(stage Stage) int {
	for i, s := range p {
		if s == stage {
			return i
		}
	}
	return -1
}

// First returns the pipeline's first stage.
func (p Pipeline) First() Stage {
	if len(p) == 0 {
		return StageBacklog
	}
	return p[0]
}

// Successor returns the stage after the given one, or "" at the end.
func (p Pipeline) Successor(stage Stage) Stage {
	idx := p.Index(stage)
	if idx < 0 || idx+1 >= len(p) {
		return ""
	}
	return p[idx+1]
}

func (p Pipeline) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}

// fullPipeline is what composite names like adw_sdlc_iso expand to.
var fullPipeline = Pipeline{StagePlan, StageBuild, StageTest, StageReview, StageDocument}

var stageTokens = map[string]Stage{
	"plan":     StagePlan,
	"build":    StageBuild,
	"test":     StageTest,
	"review":   StageReview,
	"document": StageDocument,
}

// decoration tokens carry no stage meaning in composite workflow names
var decorationTokens = map[string]bool{
	"adw": true,
	"iso": true,
	"zte": true,
}

// PipelineSet derives pipelines from workflow names, with optional alias
// overrides loaded from a YAML file for naming conventions the token
// decomposition cannot express.
type PipelineSet struct {
	aliases map[string]Pipeline
}

// NewPipelineSet creates an empty PipelineSet with no aliases.
func NewPipelineSet() *PipelineSet {
	return &PipelineSet{aliases: make(map[string]Pipeline)}
}

// LoadPipelineSet reads alias overrides from a YAML file mapping workflow
// names to stage lists. A missing file yields an empty set.
func LoadPipelineSet(path string) (*PipelineSet, error) {
	ps := NewPipelineSet()
	if path == "" {
		return ps, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ps, nil
		}
		return nil, err
	}

	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing pipeline aliases: %w", err)
	}

	for name, stages := range raw {
		pipeline := make(Pipeline, 0, len(stages))
		for _, s := range stages {
			stage, ok := stageTokens[s]
			if !ok {
				return nil, fmt.Errorf("alias %q: unknown stage %q", name, s)
			}
			pipeline = append(pipeline, stage)
		}
		if len(pipeline) == 0 {
			return nil, fmt.Errorf("alias %q: empty pipeline", name)
		}
		ps.aliases[name] = pipeline
	}
	return ps, nil
}

// Derive decomposes a composite workflow name into its pipeline, e.g.
// "adw_plan_build_test_iso" -> [plan build test]. Aliases take precedence.
// Names that yield no stages return an error; the caller leaves the task in
// backlog rather than guessing.
func (ps *PipelineSet) Derive(workflowName string) (Pipeline, error) {
	if workflowName == "" {
		return nil, fmt.Errorf("empty workflow name")
	}

	if alias, ok := ps.aliases[workflowName]; ok {
		out := make(Pipeline, len(alias))
		copy(out, alias)
		return out, nil
	}

	var pipeline Pipeline
	seen := make(map[Stage]bool)
	for _, token := range strings.Split(strings.ToLower(workflowName), "_") {
		if decorationTokens[token] {
			continue
		}
		if token == "sdlc" {
			for _, s := range fullPipeline {
				if !seen[s] {
					pipeline = append(pipeline, s)
					seen[s] = true
				}
			}
			continue
		}
		if stage, ok := stageTokens[token]; ok && !seen[stage] {
			pipeline = append(pipeline, stage)
			seen[stage] = true
		}
	}

	if len(pipeline) == 0 {
		return nil, fmt.Errorf("workflow name %q names no pipeline stages", workflowName)
	}
	return pipeline, nil
}
