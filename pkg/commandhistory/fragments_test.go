package commandhistory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFragmentSetOperations(t *testing.T) {
	read := FragmentCore | FragmentStatus

	assert.True(t, FragmentStatus.IsSubsetOf(read))
	assert.True(t, FragmentNone.IsSubsetOf(read))
	assert.False(t, (FragmentStatus | FragmentAudit).IsSubsetOf(read))
	assert.True(t, read.Has(FragmentCore))
	assert.False(t, read.Has(FragmentCore|FragmentAudit))
	assert.Equal(t, FragmentStatus, read.Intersect(FragmentStatus|FragmentAudit))
	assert.Equal(t, FragmentCore, read.Without(FragmentStatus))
	assert.Equal(t, FragmentAll, read.Union(FragmentAudit|FragmentExportDestinations))
	assert.True(t, FragmentNone.IsEmpty())
}

func TestFragmentString(t *testing.T) {
	assert.Equal(t, "None", FragmentNone.String())
	assert.Equal(t, "Core|Status", (FragmentCore | FragmentStatus).String())
	assert.Equal(t, "Core|Audit|Status|ExportDestinations", FragmentAll.String())
}

func TestParseFragmentTypes(t *testing.T) {
	tests := []struct {
		in   string
		want FragmentTypes
	}{
		{"Core|Audit", FragmentCore | FragmentAudit},
		{"status, exportdestinations", FragmentStatus | FragmentExportDestinations},
		{"All", FragmentAll},
		{"None", FragmentNone},
		{"", FragmentNone},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFragmentTypes(tt.in)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("round trip", func(t *testing.T) {
		got, err := ParseFragmentTypes((FragmentCore | FragmentStatus).String())
		assert.NoError(t, err)
		assert.Equal(t, FragmentCore|FragmentStatus, got)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseFragmentTypes("Core|Blob")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}
