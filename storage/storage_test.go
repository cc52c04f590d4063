package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKeyFansOut(t *testing.T) {
	digest := "aabbccddeeff00112233"
	assert.Equal(t, "aa/bb/ccddeeff00112233", ObjectKey(digest))
}

func TestObjectKeyShortDigest(t *testing.T) {
	assert.Equal(t, "abc", ObjectKey("abc"))
	assert.Equal(t, "", ObjectKey(""))
}
