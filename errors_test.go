package bhcore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bohrium-go/bhcore/bherrors"
)

func TestCodeExtractsBherrorsCode(t *testing.T) {
	err := bherrors.New("batch.Add", ErrCodeWriteConflict, "different view already writing this base")
	assert.Equal(t, ErrCodeWriteConflict, Code(err))
}

func TestCodeDefaultsToGenericDeviceForPlainErrors(t *testing.T) {
	assert.Equal(t, ErrCodeGenericDevice, Code(errPlain("boom")))
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
