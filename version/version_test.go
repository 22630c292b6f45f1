package version

import (
	"testing"

	"github.com/kraklabs/scp/scperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draft(store Store, projectID string, irBinary []byte) *Version {
	v, err := Submit(store, &Version{ProjectID: projectID, IRBinary: irBinary})
	if err != nil {
		panic(err)
	}
	return v
}

func TestSubmitComputesChecksum(t *testing.T) {
	store := NewInMemoryStore()
	v := draft(store, "proj-1", []byte("ir-bytes"))
	assert.Equal(t, ChecksumOf([]byte("ir-bytes")), v.IRChecksum)
	assert.Equal(t, StatusDraft, v.Status)
}

func TestSubmitRejectsChecksumDivergence(t *testing.T) {
	store := NewInMemoryStore()
	v := draft(store, "proj-1", []byte("ir-v1"))

	// resubmitting the same version number with different bytes is a
	// tamper conflict
	_, err := Submit(store, &Version{ProjectID: "proj-1", VersionNumber: v.VersionNumber, IRBinary: []byte("ir-tampered")})
	require.Error(t, err)

	var perr *scperrors.PlatformError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "conflict", perr.Kind)
}

func TestValidateMovesDraftToValidOnSuccess(t *testing.T) {
	store := NewInMemoryStore()
	v := draft(store, "proj-1", []byte("ir"))

	validated, err := Validate(store, v.ProjectID, v.VersionNumber, "reviewer-1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, validated.Status)
	assert.Equal(t, "reviewer-1", validated.ValidatedBy)
}

func TestValidateReturnsDraftOnFailure(t *testing.T) {
	store := NewInMemoryStore()
	v := draft(store, "proj-1", []byte("ir"))

	result, err := Validate(store, v.ProjectID, v.VersionNumber, "", false)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, result.Status)
}

func TestPromoteIsAtomicSingleActivePerProject(t *testing.T) {
	store := NewInMemoryStore()
	v1 := draft(store, "proj-1", []byte("v1"))
	require.NoError(t, forceValid(store, v1))
	active1, err := Promote(store, v1.ProjectID, v1.VersionNumber)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active1.Status)

	v2 := draft(store, "proj-1", []byte("v2"))
	require.NoError(t, forceValid(store, v2))
	active2, err := Promote(store, v2.ProjectID, v2.VersionNumber)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active2.Status)

	archived, _ := store.Get(v1.ProjectID, v1.VersionNumber)
	assert.Equal(t, StatusArchived, archived.Status)

	count := 0
	for _, v := range store.ListVersions("proj-1") {
		if v.Status == StatusActive {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func forceValid(store Store, v *Version) error {
	_, err := Validate(store, v.ProjectID, v.VersionNumber, "reviewer", true)
	return err
}

func TestArchivedIsTerminal(t *testing.T) {
	store := NewInMemoryStore()
	v := draft(store, "proj-1", []byte("ir"))
	_, err := Archive(store, v.ProjectID, v.VersionNumber)
	require.NoError(t, err)

	_, err = Validate(store, v.ProjectID, v.VersionNumber, "reviewer", true)
	assert.Error(t, err)
}

func TestCanTransitionRejectsIllegalMove(t *testing.T) {
	assert.False(t, CanTransition(StatusDraft, StatusActive))
	assert.True(t, CanTransition(StatusDraft, StatusValidating))
	assert.False(t, CanTransition(StatusArchived, StatusDraft))
}
