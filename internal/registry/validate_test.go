package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/domain/task"
)

func validContent() task.Content {
	return task.Content{
		Name:         "hello-world",
		Version:      "1.2.3",
		Source:       `function main(input) { return input; }`,
		InputSchema:  []byte(`{"type":"object"}`),
		OutputSchema: []byte(`{"type":"object"}`),
	}
}

func TestValidatorAcceptsWellFormedTask(t *testing.T) {
	v := &Validator{}
	res, err := v.Validate(context.Background(), validContent())
	require.NoError(t, err)
	require.True(t, res.Valid())
}

func TestValidatorRejectsInvalidName(t *testing.T) {
	v := &Validator{}
	c := validContent()
	c.Name = "hello world!"
	_, err := v.Validate(context.Background(), c)
	require.Error(t, err)
}

func TestValidatorRejectsInvalidVersion(t *testing.T) {
	v := &Validator{}
	c := validContent()
	c.Version = "not-a-version"
	_, err := v.Validate(context.Background(), c)
	require.Error(t, err)
}

func TestValidatorRejectsInvalidJSONSchema(t *testing.T) {
	v := &Validator{}
	c := validContent()
	c.InputSchema = []byte(`{"type": 123}`)
	_, err := v.Validate(context.Background(), c)
	require.Error(t, err)
}

func TestValidatorWarnsWithoutFailingWhenNoFunctionDefinitionFound(t *testing.T) {
	v := &Validator{}
	c := validContent()
	c.Source = `1 + 1;`
	res, err := v.Validate(context.Background(), c)
	require.NoError(t, err)
	require.True(t, res.Valid())
	require.Contains(t, res.Warnings[0], "function definitions")
}

func TestValidatorUsesScriptCheckerWhenProvided(t *testing.T) {
	v := &Validator{ScriptChecker: func(ctx context.Context, source string) error {
		return assertErr
	}}
	_, err := v.Validate(context.Background(), validContent())
	require.Error(t, err)
}

var assertErr = errParseFailed{}

type errParseFailed struct{}

func (errParseFailed) Error() string { return "script does not parse" }
