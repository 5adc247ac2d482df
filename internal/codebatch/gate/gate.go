// Package gate implements the named, registered invariant checks a store
// must satisfy (C10): a generic registry/runner framework plus the seven
// concrete gates enumerated in the store's gate catalogue. A gate's status
// (enforced/harness/placeholder) controls whether its failure fails a
// bundle; harness and placeholder gates report results without blocking.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/cacheidx"
	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/exec"
	"codebatch/internal/codebatch/query"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
)

// codebatchVersion is stamped into every gate result's environment, matching
// the producer version the rest of the store's metadata records.
const codebatchVersion = "0.1.0"

// Status classifies how seriously a gate's failure should be taken.
// Enforced gates block a release bundle; harness gates are informational;
// placeholder gates are not yet implemented and are skipped by RunBundle.
type Status string

const (
	StatusEnforced    Status = "enforced"
	StatusHarness     Status = "harness"
	StatusPlaceholder Status = "placeholder"
)

// Failure is one concrete invariant violation a gate observed.
type Failure struct {
	Message    string      `json:"message"`
	Location   string      `json:"location,omitempty"`
	Expected   interface{} `json:"expected,omitempty"`
	Actual     interface{} `json:"actual,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// Context is the input a gate entrypoint runs against: which store, and
// optionally which batch/snapshot/tasks it scopes its checks to.
type Context struct {
	StoreRoot     string   `json:"store_root"`
	BatchID       string   `json:"batch_id,omitempty"`
	SnapshotID    string   `json:"snapshot_id,omitempty"`
	TaskIDs       []string `json:"task_ids,omitempty"`
	CacheRequired bool     `json:"cache_required"`
	RunID         string   `json:"run_id"`
}

// artifactDir returns (creating if absent) the directory a gate run's
// artifacts are written under: <store>/indexes/gate_artifacts/<gate>/<run>.
func (c *Context) artifactDir(gateID string) (string, error) {
	if c.RunID == "" {
		return "", fmt.Errorf("gate context has no run_id")
	}
	dir := filepath.Join(c.StoreRoot, "indexes", "gate_artifacts", gateID, c.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteArtifact saves a named artifact file under this run's artifact
// directory and returns its path.
func (c *Context) WriteArtifact(gateID, name string, data []byte) (string, error) {
	dir, err := c.artifactDir(gateID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// WriteArtifactJSON marshals v as indented JSON and writes it as an artifact.
func (c *Context) WriteArtifactJSON(gateID, name string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	return c.WriteArtifact(gateID, name, data)
}

// Environment records what this gate ran under, for reproducing a failure.
type Environment struct {
	OS               string `json:"os"`
	GoVersion        string `json:"go_version"`
	CodebatchVersion string `json:"codebatch_version"`
}

func currentEnvironment() Environment {
	return Environment{OS: runtime.GOOS, GoVersion: runtime.Version(), CodebatchVersion: codebatchVersion}
}

// Result is the outcome of running one gate once.
type Result struct {
	GateID      string                 `json:"gate_id"`
	Passed      bool                   `json:"passed"`
	Status      Status                 `json:"status"`
	DurationMS  int64                  `json:"duration_ms"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Artifacts   []string               `json:"artifacts,omitempty"`
	Failures    []Failure              `json:"failures,omitempty"`
	Environment Environment            `json:"environment"`
	Context     *Context               `json:"context,omitempty"`
}

// NewResult returns a passing result; AddFailure flips it.
func NewResult(gateID string, status Status) *Result {
	return &Result{
		GateID:      gateID,
		Passed:      true,
		Status:      status,
		Details:     map[string]interface{}{},
		Environment: currentEnvironment(),
	}
}

// AddFailure records a violation and marks the result failed.
func (r *Result) AddFailure(f Failure) {
	r.Failures = append(r.Failures, f)
	r.Passed = false
}

// BundleResult aggregates every gate run as part of one named bundle.
type BundleResult struct {
	BundleName   string    `json:"bundle_name"`
	Passed       bool      `json:"passed"`
	Total        int       `json:"total"`
	PassedCount  int       `json:"passed_count"`
	FailedCount  int       `json:"failed_count"`
	SkippedCount int       `json:"skipped_count"`
	DurationMS   int64     `json:"duration_ms"`
	Results      []*Result `json:"results"`
}

// Entrypoint is the function a gate definition dispatches to.
type Entrypoint func(ctx context.Context, gctx *Context, deps *Deps) (*Result, error)

// Definition registers one gate's identity, required inputs, and check.
type Definition struct {
	GateID         string
	Title          string
	Description    string
	Status         Status
	RequiredInputs []string // subset of "store", "batch", "snapshot", "tasks", "cache"
	Tags           []string
	Aliases        []string
	Entrypoint     Entrypoint
}

// ValidateInputs errors if gctx is missing an input this gate declared
// required, so a caller gets a clear message instead of a gate entrypoint
// failing on a nil field partway through its check.
func (d *Definition) ValidateInputs(gctx *Context) error {
	for _, req := range d.RequiredInputs {
		switch req {
		case "store":
			if gctx.StoreRoot == "" {
				return fmt.Errorf("gate %s requires store_root", d.GateID)
			}
		case "batch":
			if gctx.BatchID == "" {
				return fmt.Errorf("gate %s requires batch_id", d.GateID)
			}
		case "snapshot":
			if gctx.SnapshotID == "" {
				return fmt.Errorf("gate %s requires snapshot_id", d.GateID)
			}
		case "tasks":
			if len(gctx.TaskIDs) == 0 {
				return fmt.Errorf("gate %s requires task_ids", d.GateID)
			}
		case "cache":
			env := cacheidx.NewEnv(gctx.StoreRoot, true)
			if !env.Exists() {
				return fmt.Errorf("gate %s requires an already-built cache", d.GateID)
			}
		default:
			return fmt.Errorf("gate %s declares unknown required input %q", d.GateID, req)
		}
	}
	return nil
}

// Registry holds every known gate definition, indexed by ID and alias.
type Registry struct {
	byID    map[string]*Definition
	byAlias map[string]string
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Definition{}, byAlias: map[string]string{}}
}

// Register adds a definition, erroring on a duplicate ID or alias.
func (r *Registry) Register(def *Definition) error {
	if _, exists := r.byID[def.GateID]; exists {
		return fmt.Errorf("gate %q already registered", def.GateID)
	}
	for _, alias := range def.Aliases {
		if _, exists := r.byAlias[alias]; exists {
			return fmt.Errorf("gate alias %q already registered", alias)
		}
	}
	r.byID[def.GateID] = def
	r.order = append(r.order, def.GateID)
	for _, alias := range def.Aliases {
		r.byAlias[alias] = def.GateID
	}
	return nil
}

// Get looks up a definition by gate ID or alias.
func (r *Registry) Get(idOrAlias string) (*Definition, bool) {
	if def, ok := r.byID[idOrAlias]; ok {
		return def, true
	}
	if id, ok := r.byAlias[idOrAlias]; ok {
		return r.byID[id], true
	}
	return nil, false
}

// ListAll returns every definition in registration order.
func (r *Registry) ListAll() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ListByStatus returns every definition with the given status.
func (r *Registry) ListByStatus(status Status) []*Definition {
	var out []*Definition
	for _, id := range r.order {
		if def := r.byID[id]; def.Status == status {
			out = append(out, def)
		}
	}
	return out
}

// ListByTag returns every definition carrying the given tag.
func (r *Registry) ListByTag(tag string) []*Definition {
	var out []*Definition
	for _, id := range r.order {
		def := r.byID[id]
		for _, t := range def.Tags {
			if t == tag {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// SuggestSimilar returns up to limit registered gate IDs close to
// unknownID, for a did-you-mean error message. A Levenshtein distance
// of at most 60% of the longer string's length counts as similar.
func (r *Registry) SuggestSimilar(unknownID string, limit int) []string {
	type scored struct {
		id   string
		dist int
	}
	var candidates []scored
	for _, id := range r.order {
		dist := levenshteinDistance(unknownID, id)
		maxLen := len(unknownID)
		if len(id) > maxLen {
			maxLen = len(id)
		}
		if maxLen == 0 {
			continue
		}
		similarity := 1.0 - float64(dist)/float64(maxLen)
		if similarity >= 0.4 {
			candidates = append(candidates, scored{id, dist})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]string, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, c.id)
	}
	return out
}

func levenshteinDistance(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// Deps bundles the store-rooted collaborators gate entrypoints check
// against, so a gate entrypoint never has to construct its own.
type Deps struct {
	StoreRoot string
	Clock     clock.Clock
	Batches   *batch.Manager
	Snapshots *snapshot.Builder
	Runner    *runner.Runner
	Query     *query.Engine
	Executors *exec.Registry
}

// NewDeps wires the standard collaborator set for a store.
func NewDeps(storeRoot string, c clock.Clock) *Deps {
	return &Deps{
		StoreRoot: storeRoot,
		Clock:     c,
		Batches:   batch.NewManager(storeRoot, c),
		Snapshots: snapshot.NewBuilder(storeRoot, c),
		Runner:    runner.New(storeRoot, c),
		Query:     query.New(storeRoot),
		Executors: exec.NewRegistry(),
	}
}

// Runner resolves a gate or bundle name and executes it.
type Runner struct {
	registry *Registry
	deps     *Deps
}

// NewRunner returns a Runner over the given registry and collaborators.
func NewRunner(registry *Registry, deps *Deps) *Runner {
	return &Runner{registry: registry, deps: deps}
}

// Run looks up gateIDOrAlias, validates its required inputs against the
// given scope, and executes it, timing the call and collecting any
// artifacts it wrote.
func (gr *Runner) Run(ctx context.Context, gateIDOrAlias, batchID, snapshotID string, taskIDs []string) (*Result, error) {
	def, ok := gr.registry.Get(gateIDOrAlias)
	if !ok {
		msg := fmt.Sprintf("unknown gate %q", gateIDOrAlias)
		if suggestions := gr.registry.SuggestSimilar(gateIDOrAlias, 3); len(suggestions) > 0 {
			msg += fmt.Sprintf("; did you mean: %s?", strings.Join(suggestions, ", "))
		}
		return nil, fmt.Errorf("%s", msg)
	}

	gctx := &Context{
		StoreRoot:  gr.deps.StoreRoot,
		BatchID:    batchID,
		SnapshotID: snapshotID,
		TaskIDs:    taskIDs,
		RunID:      gr.deps.Clock.RandHex(4),
	}

	if err := def.ValidateInputs(gctx); err != nil {
		return nil, err
	}

	start := gr.deps.Clock.Now()
	result, runErr := runEntrypointSafely(ctx, def, gctx, gr.deps)
	if runErr != nil {
		result = NewResult(def.GateID, def.Status)
		result.AddFailure(Failure{Message: runErr.Error()})
	}
	result.GateID = def.GateID
	result.Status = def.Status
	result.DurationMS = gr.deps.Clock.Now().Sub(start).Milliseconds()
	result.Context = gctx

	artifactDir := filepath.Join(gr.deps.StoreRoot, "indexes", "gate_artifacts", def.GateID, gctx.RunID)
	if entries, err := os.ReadDir(artifactDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				result.Artifacts = append(result.Artifacts, filepath.Join(artifactDir, e.Name()))
			}
		}
	}
	return result, nil
}

// runEntrypointSafely turns a panicking entrypoint into a failed result
// instead of crashing the caller, matching the reference runner's
// exception-to-failure wrapping.
func runEntrypointSafely(ctx context.Context, def *Definition, gctx *Context, deps *Deps) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = NewResult(def.GateID, def.Status)
			res.AddFailure(Failure{Message: fmt.Sprintf("gate panicked: %v", p)})
			err = nil
		}
	}()
	return def.Entrypoint(ctx, gctx, deps)
}

// RunBundle runs every gate in a named bundle, skipping placeholder gates
// and gates whose required inputs this scope doesn't satisfy. The bundle
// passes iff no enforced gate in it failed.
func (gr *Runner) RunBundle(ctx context.Context, bundleName, batchID, snapshotID string, taskIDs []string, failFast bool) *BundleResult {
	defs := gr.bundleGates(bundleName)
	br := &BundleResult{BundleName: bundleName, Total: len(defs)}
	start := gr.deps.Clock.Now()

	for _, def := range defs {
		if def.Status == StatusPlaceholder {
			br.SkippedCount++
			continue
		}
		if err := def.ValidateInputs(&Context{StoreRoot: gr.deps.StoreRoot, BatchID: batchID, SnapshotID: snapshotID, TaskIDs: taskIDs}); err != nil {
			br.SkippedCount++
			continue
		}

		res, err := gr.Run(ctx, def.GateID, batchID, snapshotID, taskIDs)
		if err != nil {
			br.SkippedCount++
			continue
		}
		br.Results = append(br.Results, res)
		if res.Passed {
			br.PassedCount++
		} else {
			br.FailedCount++
			if failFast {
				break
			}
		}
	}

	br.DurationMS = gr.deps.Clock.Now().Sub(start).Milliseconds()
	enforcedFailures := 0
	for _, res := range br.Results {
		if !res.Passed && res.Status == StatusEnforced {
			enforcedFailures++
		}
	}
	br.Passed = enforcedFailures == 0
	return br
}

func (gr *Runner) bundleGates(bundleName string) []*Definition {
	switch bundleName {
	case "phase1", "phase2", "phase3":
		return gr.registry.ListByTag(bundleName)
	case "release", "all":
		return gr.registry.ListByStatus(StatusEnforced)
	default:
		return nil
	}
}
