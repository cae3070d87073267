package delivery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/r3e-network/taskengine/internal/errs"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes Handlebars-style {{var}} / {{a.b}}
// placeholders in tmpl from vars. Strict mode per spec.md §4.8: any
// placeholder that does not resolve is a TemplateRender error, and
// rendering stops at the first such failure.
func RenderTemplate(tmpl string, vars map[string]any) (string, error) {
	var renderErr error
	rendered := templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if renderErr != nil {
			return match
		}
		path := templateVarPattern.FindStringSubmatch(match)[1]
		value, err := resolveTemplatePath(path, vars)
		if err != nil {
			renderErr = errs.New(errs.KindTemplateRender, "template", path, fmt.Sprintf("unresolved template variable %q", path))
			return match
		}
		return fmt.Sprint(value)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}

func resolveTemplatePath(path string, vars map[string]any) (any, error) {
	if !strings.Contains(path, ".") {
		v, ok := vars[path]
		if !ok {
			return nil, fmt.Errorf("delivery: %q not found", path)
		}
		return v, nil
	}
	return jsonpath.Get("$."+path, vars)
}

// mergeTemplateVars returns the full variable set available to a
// render: DeliveryContext.TemplateVariables plus the fixed identifiers
// spec.md §4.8 always injects (job_id, task_id, execution_id,
// timestamp, iso_date, iso_time).
func mergeTemplateVars(output TaskOutput, dctx DeliveryContext) map[string]any {
	vars := make(map[string]any, len(dctx.TemplateVariables)+6)
	for k, v := range dctx.TemplateVariables {
		vars[k] = v
	}

	jobID := ""
	if output.JobID != nil {
		jobID = strconv.FormatInt(*output.JobID, 10)
	}
	ts := dctx.Timestamp
	if ts.IsZero() {
		ts = output.CompletedAt
	}

	vars["job_id"] = jobID
	vars["task_id"] = strconv.FormatInt(output.TaskID, 10)
	vars["execution_id"] = strconv.FormatInt(output.ExecutionID, 10)
	vars["timestamp"] = ts.Format(time.RFC3339)
	vars["iso_date"] = ts.Format("2006-01-02")
	vars["iso_time"] = ts.Format("15:04:05")
	return vars
}
