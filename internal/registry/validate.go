package registry

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
)

var (
	nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	// A pragmatic semver check: MAJOR.MINOR.PATCH with an optional
	// -prerelease/+build suffix, not the full SemVer 2.0 grammar.
	semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// Validator is grounded on ratchet-registry's TaskValidator: separate
// metadata/script/schema checks, each contributing errors (which fail
// validation) or warnings (which don't).
type Validator struct {
	// ScriptChecker parses source and confirms it evaluates to a
	// callable entry point, satisfying validation step 4. Supplied by
	// the caller (the worker engine's GojaRuntime.ValidateScript) so
	// this package doesn't import the scripting runtime directly.
	ScriptChecker func(ctx context.Context, source string) error
}

// Result collects the outcome of validating one task's content.
// Warnings never fail validation; a non-empty Errors does.
type Result struct {
	Errors   []string
	Warnings []string
}

func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Validate runs the five checks spec.md §4.2 requires before Sync may
// accept a discovered task's content.
func (v *Validator) Validate(ctx context.Context, c task.Content) (Result, error) {
	var res Result

	if c.Name == "" || !nameRegex.MatchString(c.Name) {
		res.Errors = append(res.Errors, "name must be non-empty and match ^[A-Za-z0-9_-]+$")
	}
	if c.Version == "" || !semverRegex.MatchString(c.Version) {
		res.Errors = append(res.Errors, "version must be non-empty and semantic-version formatted")
	}

	if err := validateSchemaDocument(c.InputSchema, "input_schema"); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	if err := validateSchemaDocument(c.OutputSchema, "output_schema"); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	if strings.TrimSpace(c.Source) == "" {
		res.Errors = append(res.Errors, "script source must not be empty")
	} else {
		if v.ScriptChecker != nil {
			if err := v.ScriptChecker(ctx, c.Source); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("script does not parse to a callable entry point: %v", err))
			}
		}
		if !containsFunctionDefinition(c.Source) {
			res.Warnings = append(res.Warnings, "script doesn't appear to contain any function definitions")
		}
	}

	if !res.Valid() {
		return res, errs.New(errs.KindValidationError, "task", c.Name, strings.Join(res.Errors, "; "))
	}
	return res, nil
}

func validateSchemaDocument(raw []byte, label string) error {
	if len(raw) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resource := label + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%s: invalid JSON Schema: %w", label, err)
	}
	if _, err := compiler.Compile(resource); err != nil {
		return fmt.Errorf("%s: invalid JSON Schema: %w", label, err)
	}
	return nil
}

// containsFunctionDefinition is the heuristic warning from spec.md
// §4.2 validation step 5 — a non-authoritative hint, not a parser.
func containsFunctionDefinition(source string) bool {
	return strings.Contains(source, "function") || strings.Contains(source, "=>")
}
