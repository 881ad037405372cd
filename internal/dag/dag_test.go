package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/catalog/pkg/catalog"
	"github.com/apphub/catalog/pkg/catalogerr"
)

func step(id string, deps ...string) catalog.Step {
	return catalog.Step{ID: id, Kind: catalog.StepKindJob, JobSlug: "noop", DependsOn: deps}
}

func TestValidateAndCompileLinearChain(t *testing.T) {
	steps := []catalog.Step{step("a"), step("b", "a"), step("c", "b")}
	_, dag, err := ValidateAndCompile(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, dag.Order)
	assert.Equal(t, []string{"a"}, dag.Roots)
	assert.Equal(t, 0, dag.Depth["a"])
	assert.Equal(t, 2, dag.Depth["c"])
}

func TestValidateAndCompileStableOrderByDepthThenID(t *testing.T) {
	// b and c both depend only on a and share depth 1; stable order is
	// alphabetical among same-depth nodes.
	steps := []catalog.Step{step("a"), step("c", "a"), step("b", "a")}
	_, dag, err := ValidateAndCompile(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, dag.Order)
}

func TestValidateAndCompileRejectsDuplicateIDs(t *testing.T) {
	steps := []catalog.Step{step("a"), step("a")}
	_, _, err := ValidateAndCompile(steps)
	require.Error(t, err)
	assert.Equal(t, catalogerr.Validation, catalogerr.KindOf(err))
}

func TestValidateAndCompileRejectsUnknownDependency(t *testing.T) {
	steps := []catalog.Step{step("a", "ghost")}
	_, _, err := ValidateAndCompile(steps)
	require.Error(t, err)
}

func TestValidateAndCompileRejectsCycle(t *testing.T) {
	steps := []catalog.Step{step("a", "b"), step("b", "a")}
	_, _, err := ValidateAndCompile(steps)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Cycle)
}

func TestValidateAndCompileRejectsInvalidAssetID(t *testing.T) {
	s := step("a")
	s.Produces = []catalog.AssetDeclaration{{StepID: "a", Direction: catalog.AssetProduces, AssetID: "bad id!"}}
	_, _, err := ValidateAndCompile([]catalog.Step{s})
	require.Error(t, err)
}

func TestValidateAndCompileFanoutTemplateConflict(t *testing.T) {
	parent := step("a")
	fanout := catalog.Step{
		ID:       "f",
		Kind:     catalog.StepKindFanOut,
		Template: &catalog.Step{ID: "a"}, // collides with real step "a"
	}
	_, _, err := ValidateAndCompile([]catalog.Step{parent, fanout})
	require.Error(t, err)
}

func TestValidateAndCompileDedupesDependsOn(t *testing.T) {
	s := step("b", "a", "a", " a ")
	steps := []catalog.Step{step("a"), s}
	normalized, _, err := ValidateAndCompile(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, normalized[1].DependsOn)
}

func TestReadinessRuleSkipsOnlyWhenNoDependencySucceeded(t *testing.T) {
	r := ReadinessRule{}
	assert.Equal(t, NotReady, r.Evaluate([]catalog.StepStatus{catalog.StepRunning}))
	assert.Equal(t, Ready, r.Evaluate([]catalog.StepStatus{catalog.StepSucceeded, catalog.StepSkipped}))
	assert.Equal(t, Skip, r.Evaluate([]catalog.StepStatus{catalog.StepSkipped, catalog.StepSkipped}))
	assert.Equal(t, Ready, r.Evaluate(nil))
}
