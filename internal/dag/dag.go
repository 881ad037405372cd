// Package dag validates and compiles a workflow definition's step list into
// a normalized step list plus DagMetadata: topological order, adjacency,
// reverse adjacency, per-step depth, and the fan-out template parent map.
package dag

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

var assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// CycleError lists, sorted by ID, every step the topological sort could not
// order (each step on a cycle, plus any step downstream of one), surfaced to
// the caller as catalogerr.Validation detail.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// ValidateAndCompile normalizes steps and computes DagMetadata. It never
// mutates the input slice; the returned steps are a defensive copy.
func ValidateAndCompile(steps []catalog.Step) ([]catalog.Step, catalog.DagMetadata, error) {
	normalized, err := normalize(steps)
	if err != nil {
		return nil, catalog.DagMetadata{}, err
	}

	if err := checkDuplicateIDs(normalized); err != nil {
		return nil, catalog.DagMetadata{}, err
	}
	if err := checkUnknownDependencies(normalized); err != nil {
		return nil, catalog.DagMetadata{}, err
	}
	if err := checkAssetIDs(normalized); err != nil {
		return nil, catalog.DagMetadata{}, err
	}
	if err := checkFanoutTemplateIDs(normalized); err != nil {
		return nil, catalog.DagMetadata{}, err
	}

	order, depth, roots, err := topologicalOrder(normalized)
	if err != nil {
		return nil, catalog.DagMetadata{}, err
	}

	adjacency := make(map[string][]string, len(normalized))
	reverse := make(map[string][]string, len(normalized))
	fanoutTemplates := make(map[string]string)
	for _, s := range normalized {
		for _, dep := range s.DependsOn {
			adjacency[dep] = append(adjacency[dep], s.ID)
			reverse[s.ID] = append(reverse[s.ID], dep)
		}
		if s.Kind == catalog.StepKindFanOut && s.Template != nil {
			fanoutTemplates[s.Template.ID] = s.ID
		}
	}
	for k := range adjacency {
		sort.Strings(adjacency[k])
	}
	for k := range reverse {
		sort.Strings(reverse[k])
	}

	return normalized, catalog.DagMetadata{
		Roots:            roots,
		Order:            order,
		Adjacency:        adjacency,
		ReverseAdjacency: reverse,
		Depth:            depth,
		FanoutTemplates:  fanoutTemplates,
	}, nil
}

// normalize trims step and fan-out-template ids, dedupes and trims
// dependsOn entries, and lower-cases job/service slugs.
func normalize(steps []catalog.Step) ([]catalog.Step, error) {
	out := make([]catalog.Step, len(steps))
	for i, s := range steps {
		cp := s
		cp.ID = strings.TrimSpace(s.ID)
		if cp.ID == "" {
			return nil, catalogerr.Validationf("step at index %d has an empty id", i)
		}
		cp.JobSlug = strings.ToLower(strings.TrimSpace(s.JobSlug))
		cp.ServiceSlug = strings.ToLower(strings.TrimSpace(s.ServiceSlug))
		if s.Bundle != nil {
			b := *s.Bundle
			b.Slug = strings.ToLower(strings.TrimSpace(b.Slug))
			if b.Strategy == "" {
				b.Strategy = catalog.BundleStrategyLatest
			}
			cp.Bundle = &b
		}

		seen := make(map[string]struct{}, len(s.DependsOn))
		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			deps = append(deps, d)
		}
		sort.Strings(deps)
		cp.DependsOn = deps

		if cp.Kind == catalog.StepKindFanOut && cp.Template != nil {
			tmpl := *cp.Template
			tmpl.ID = strings.TrimSpace(tmpl.ID)
			cp.Template = &tmpl
		}

		out[i] = cp
	}
	return out, nil
}

func checkDuplicateIDs(steps []catalog.Step) error {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if _, ok := seen[s.ID]; ok {
			return catalogerr.Validationf("duplicate step id %q", s.ID).WithDetail("DUPLICATE_ID")
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

func checkUnknownDependencies(steps []catalog.Step) error {
	ids := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		ids[s.ID] = struct{}{}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return catalogerr.Validationf("step %q depends on unknown step %q", s.ID, dep).
					WithDetail("UNKNOWN_DEPENDENCY")
			}
		}
	}
	return nil
}

func checkAssetIDs(steps []catalog.Step) error {
	type key struct {
		stepID, direction, assetID string
	}
	seen := make(map[key]struct{})
	check := func(stepID string, decls []catalog.AssetDeclaration, direction catalog.AssetDirection) error {
		for _, d := range decls {
			if !assetIDPattern.MatchString(d.AssetID) {
				return catalogerr.Validationf("invalid asset id %q on step %q", d.AssetID, stepID).
					WithDetail("INVALID_ASSET_ID")
			}
			k := key{stepID, string(direction), d.AssetID}
			if _, ok := seen[k]; ok {
				return catalogerr.Validationf("duplicate asset declaration (%s, %s, %s)", stepID, direction, d.AssetID).
					WithDetail("CONFLICTING_PARTITIONING")
			}
			seen[k] = struct{}{}
			if d.Partitioning != nil {
				if err := validatePartitioningShape(d.Partitioning); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, s := range steps {
		if err := check(s.ID, s.Produces, catalog.AssetProduces); err != nil {
			return err
		}
		if err := check(s.ID, s.Consumes, catalog.AssetConsumes); err != nil {
			return err
		}
	}
	return nil
}

func validatePartitioningShape(p *catalog.Partitioning) error {
	switch p.Type {
	case catalog.PartitionStatic:
		if len(p.Keys) == 0 {
			return catalogerr.Validationf("static partitioning requires a non-empty keys list").
				WithDetail("CONFLICTING_PARTITIONING")
		}
	case catalog.PartitionTimeWindow:
		switch p.Granularity {
		case catalog.GranularityHour, catalog.GranularityDay, catalog.GranularityWeek, catalog.GranularityMonth:
		default:
			return catalogerr.Validationf("timeWindow partitioning has invalid granularity %q", p.Granularity).
				WithDetail("CONFLICTING_PARTITIONING")
		}
	case catalog.PartitionDynamic:
	default:
		return catalogerr.Validationf("unknown partitioning type %q", p.Type).WithDetail("CONFLICTING_PARTITIONING")
	}
	return nil
}

// checkFanoutTemplateIDs ensures a fan-out's template step id does not
// collide with any real step id or another template id.
func checkFanoutTemplateIDs(steps []catalog.Step) error {
	realIDs := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		realIDs[s.ID] = struct{}{}
	}
	templateIDs := make(map[string]struct{})
	for _, s := range steps {
		if s.Kind != catalog.StepKindFanOut || s.Template == nil {
			continue
		}
		tid := s.Template.ID
		if tid == "" {
			return catalogerr.Validationf("fan-out step %q has an empty template id", s.ID).
				WithDetail("FANOUT_TEMPLATE_ID_CONFLICT")
		}
		if _, ok := realIDs[tid]; ok {
			return catalogerr.Validationf("fan-out template id %q conflicts with a real step id", tid).
				WithDetail("FANOUT_TEMPLATE_ID_CONFLICT")
		}
		if _, ok := templateIDs[tid]; ok {
			return catalogerr.Validationf("fan-out template id %q is used by more than one fan-out step", tid).
				WithDetail("FANOUT_TEMPLATE_ID_CONFLICT")
		}
		templateIDs[tid] = struct{}{}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm, breaking ties by (depth ASC,
// stepId ASC) at every step so that the result is stable across runs with
// the same input. On a cycle, returns a *CycleError wrapped as catalogerr
// with the unresolved remainder as the witness.
func topologicalOrder(steps []catalog.Step) (order []string, depth map[string]int, roots []string, err error) {
	inDegree := make(map[string]int, len(steps))
	byID := make(map[string]catalog.Step, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = len(s.DependsOn)
		byID[s.ID] = s
	}

	children := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			children[dep] = append(children[dep], s.ID)
		}
	}
	for k := range children {
		sort.Strings(children[k])
	}

	depth = make(map[string]int, len(steps))
	for id, deg := range inDegree {
		if deg == 0 {
			depth[id] = 0
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	ready := append([]string(nil), roots...)
	order = make([]string, 0, len(steps))
	remaining := len(steps)

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if depth[ready[i]] != depth[ready[j]] {
				return depth[ready[i]] < depth[ready[j]]
			}
			return ready[i] < ready[j]
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		remaining--

		for _, child := range children[id] {
			inDegree[child]--
			if d := depth[id] + 1; d > depth[child] {
				depth[child] = d
			}
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if remaining > 0 {
		witness := make([]string, 0, remaining)
		for id, deg := range inDegree {
			if deg > 0 {
				witness = append(witness, id)
			}
		}
		sort.Strings(witness)
		return nil, nil, nil, catalogerr.Wrap(catalogerr.Validation, "cycle detected among steps", &CycleError{Cycle: witness})
	}

	return order, depth, roots, nil
}
