package store

import (
	"time"

	"github.com/Aman-CERP/gsindex/internal/config"
)

// Policy is the engine tuning derived from one index configuration.
// A nil pointer means the engine default applies.
type Policy struct {
	MaxBufferedDocs  *int
	BufferBytes      *int64
	Merge            *MergePolicy
	WriteLockTimeout time.Duration
	MaxChunkSize     *int64

	// CommitEachMutation is set when no buffer size is configured: every
	// mutation is committed as soon as it is made.
	CommitEachMutation bool
}

// MergePolicy is a size-tiered merge policy: segments of similar byte size
// are merged Factor at a time.
type MergePolicy struct {
	Factor   *int
	MaxDocs  *int
	MaxBytes *int64
	// CompoundFiles packs each segment into a single file. It is turned
	// off whenever an explicit buffer size is configured.
	CompoundFiles bool
}

const mb = 1 << 20

// BuildPolicy derives the tuning policy for cfg. Only knobs greater than 1
// are applied.
func BuildPolicy(cfg config.IndexConfig) Policy {
	p := Policy{WriteLockTimeout: config.DefaultWriteLockTimeout}

	if v, ok := cfg.MaxBufferedDocsValue(); ok {
		p.MaxBufferedDocs = &v
	}
	bufMB, bufSet := cfg.BufferSizeMBValue()
	if bufSet {
		b := int64(bufMB * mb)
		p.BufferBytes = &b
	}
	p.CommitEachMutation = !bufSet

	factor, factorSet := cfg.MergeFactorValue()
	maxDocs, maxDocsSet := cfg.MaxMergeDocsValue()
	maxMB, maxMBSet := cfg.MaxMergeMBValue()
	if factorSet || maxDocsSet || maxMBSet || bufSet {
		m := &MergePolicy{CompoundFiles: !bufSet}
		if factorSet {
			m.Factor = &factor
		}
		if maxDocsSet {
			m.MaxDocs = &maxDocs
		}
		if maxMBSet {
			b := int64(maxMB * mb)
			m.MaxBytes = &b
		}
		p.Merge = m
	}

	if d, ok := cfg.WriteLockTimeoutValue(); ok {
		p.WriteLockTimeout = d
	}
	if n, ok := cfg.MaxChunkSizeValue(); ok {
		p.MaxChunkSize = &n
	}
	return p
}

// FlushDue reports whether a batch holding docs mutations and bytes bytes
// should be committed now.
func (p Policy) FlushDue(docs, bytes int) bool {
	if docs == 0 {
		return false
	}
	if p.CommitEachMutation {
		return true
	}
	if p.MaxBufferedDocs != nil && docs >= *p.MaxBufferedDocs {
		return true
	}
	return p.BufferBytes != nil && int64(bytes) >= *p.BufferBytes
}
