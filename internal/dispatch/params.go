package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"

	"buildtuner/internal/domain"
)

// Params are the workflow_dispatch inputs of one benchmark run.
type Params map[string]string

const (
	modeDependenciesCache = "dependencies cache"
	blankArgs             = " "
)

// iterationsPerDispatch maps an experiment budget to the number of builds a
// single workflow run performs.
var iterationsPerDispatch = map[int]int{
	30: 5,
	50: 3,
}

const defaultIterationsPerDispatch = 10

// IterationsPerDispatch returns the per-run build count for maxIterations.
func IterationsPerDispatch(maxIterations int) int {
	if n, ok := iterationsPerDispatch[maxIterations]; ok {
		return n
	}
	return defaultIterationsPerDispatch
}

// ExtraBuildArgs renders the Gradle flags that apply action.
func ExtraBuildArgs(a domain.RLAction) string {
	return fmt.Sprintf(`--max-workers %d -Dorg.gradle.jvmargs="-Xmx%sg" -Dkotlin.compiler.jvmTarget=17 -Dkotlin.compiler.jvmArgs="-Xmx%sg"`,
		a.MaxWorkers, domain.FormatNumber(a.GradleHeapGB), domain.FormatNumber(a.KotlinHeapGB))
}

// The workflow parses java_args, extra_build_args and extra_report_args as
// single-quoted object literals, not JSON.
const (
	javaArgs        = `{javaVersionVariantA:'17',javaVersionVariantB:'17',javaVendorVariantA:'zulu',javaVendorVariantB:'zulu'}`
	extraReportArgs = `{deploy_results:'false',experiment_title:'', open_ai_request:'true', report_enabled:'true',tasktype_report:'true',taskpath_report:'true',kotlin_build_report:'false',process_report:'false',resource_usage_report:'true',gc_report:'true',only_cacheable_outcome:'false',threshold_task_duration:'1000'}`
)

func extraBuildArgs(variantA string) string {
	return fmt.Sprintf(`{extraArgsVariantA:'%s',extraArgsVariantB:'%s'}`, variantA, blankArgs)
}

// BuildParams assembles the workflow inputs for exp. A nil action dispatches
// the build with its default configuration.
func BuildParams(exp domain.Experiment, action *domain.RLAction) Params {
	task := exp.Task
	if task == "" {
		task = domain.FallbackTask
	}
	rlActions := "{}"
	variantA := blankArgs
	if action != nil {
		rlActions = mustJSON(action)
		variantA = ExtraBuildArgs(*action)
	}
	return Params{
		"repository":        exp.Repository,
		"experiment_id":     exp.ID,
		"rl_actions":        rlActions,
		"task":              task,
		"iterations":        strconv.Itoa(IterationsPerDispatch(exp.Budget())),
		"mode":              modeDependenciesCache,
		"java_args":         javaArgs,
		"extra_build_args":  extraBuildArgs(variantA),
		"extra_report_args": extraReportArgs,
		"variant":           "main",
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("dispatch: marshal %T: %v", v, err))
	}
	return string(b)
}
