//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sink interface{ Write() }

type fileSink struct{}

func (*fileSink) Write() {}

func TestInterface(t *testing.T) {
	var typedNil *fileSink
	var asInterface sink = typedNil

	assert.True(t, Interface(nil))
	assert.True(t, Interface(asInterface))
	assert.True(t, Interface(map[string]int(nil)))
	assert.False(t, Interface(&fileSink{}))
	assert.False(t, Interface(42))
}
