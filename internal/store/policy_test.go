package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/gsindex/internal/config"
)

func TestBuildPolicy_AllUnset(t *testing.T) {
	// Given: every knob at the unset sentinel
	cfg := config.IndexConfig{
		MaxBufferedDocs:    config.Int(1),
		BufferSizeMB:       config.Float(1),
		MergeFactor:        config.Int(1),
		MaxMergeDocs:       config.Int(0),
		MaxMergeMB:         config.Float(-1),
		WriteLockTimeoutMs: config.Int(1),
		MaxChunkSizeBytes:  config.Int64(1),
	}

	// When: building the policy
	p := BuildPolicy(cfg)

	// Then: engine defaults everywhere, no merge policy
	assert.Nil(t, p.MaxBufferedDocs)
	assert.Nil(t, p.BufferBytes)
	assert.Nil(t, p.Merge)
	assert.Nil(t, p.MaxChunkSize)
	assert.Equal(t, config.DefaultWriteLockTimeout, p.WriteLockTimeout)
	assert.True(t, p.CommitEachMutation)
}

func TestBuildPolicy_MergeFactorOnly(t *testing.T) {
	p := BuildPolicy(config.IndexConfig{MergeFactor: config.Int(10)})

	require.NotNil(t, p.Merge)
	require.NotNil(t, p.Merge.Factor)
	assert.Equal(t, 10, *p.Merge.Factor)
	assert.Nil(t, p.Merge.MaxDocs)
	assert.Nil(t, p.Merge.MaxBytes)
	assert.True(t, p.Merge.CompoundFiles)
	assert.True(t, p.CommitEachMutation)
}

func TestBuildPolicy_BufferDisablesCompoundFiles(t *testing.T) {
	// Given: only a buffer size
	p := BuildPolicy(config.IndexConfig{BufferSizeMB: config.Float(64)})

	// Then: a merge policy exists with compound files off, and buffering is on
	require.NotNil(t, p.Merge)
	assert.False(t, p.Merge.CompoundFiles)
	assert.Nil(t, p.Merge.Factor)
	require.NotNil(t, p.BufferBytes)
	assert.Equal(t, int64(64<<20), *p.BufferBytes)
	assert.False(t, p.CommitEachMutation)
}

func TestBuildPolicy_AllSet(t *testing.T) {
	p := BuildPolicy(config.IndexConfig{
		MaxBufferedDocs:    config.Int(1000),
		BufferSizeMB:       config.Float(16),
		MergeFactor:        config.Int(20),
		MaxMergeDocs:       config.Int(100000),
		MaxMergeMB:         config.Float(256),
		WriteLockTimeoutMs: config.Int(3000),
		MaxChunkSizeBytes:  config.Int64(1 << 28),
	})

	assert.Equal(t, 1000, *p.MaxBufferedDocs)
	assert.Equal(t, 20, *p.Merge.Factor)
	assert.Equal(t, 100000, *p.Merge.MaxDocs)
	assert.Equal(t, int64(256<<20), *p.Merge.MaxBytes)
	assert.Equal(t, 3*time.Second, p.WriteLockTimeout)
	assert.Equal(t, int64(1<<28), *p.MaxChunkSize)
}

func TestPolicy_FlushDue(t *testing.T) {
	autoCommit := BuildPolicy(config.IndexConfig{})
	assert.True(t, autoCommit.FlushDue(1, 10))
	assert.False(t, autoCommit.FlushDue(0, 0))

	buffered := BuildPolicy(config.IndexConfig{BufferSizeMB: config.Float(2), MaxBufferedDocs: config.Int(3)})
	assert.False(t, buffered.FlushDue(2, 100))
	assert.True(t, buffered.FlushDue(3, 100), "doc limit reached")
	assert.True(t, buffered.FlushDue(1, 2<<20), "byte limit reached")
}
