package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestExtractStack(t *testing.T) {
	assert.Nil(t, ExtractStack(nil))
	assert.Nil(t, ExtractStack(fmt.Errorf("no stack")))
	assert.NotNil(t, ExtractStack(errors.New("with stack")))
	assert.NotNil(t, ExtractStack(errors.WithMessage(errors.New("inner"), "outer")))
}

func TestWithStacktrace(t *testing.T) {
	entry := WithStacktrace(NewComponentLogger("watcher"), errors.New("boom"))
	assert.Equal(t, "watcher", entry.Data[Component])
	assert.Contains(t, entry.Data, Stacktrace)
	assert.Contains(t, entry.Data, logrus.ErrorKey)
}
