package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeWithoutEnrichmentKeepsCandidate(t *testing.T) {
	t.Parallel()

	c := Candidate{ExternalID: "RFP-1", Title: "ERP upgrade", IsRelevant: true, Category: CategoryERP, Confidence: 0.7}
	opp := Merge(c, nil)
	require.False(t, opp.Enriched())
	require.Equal(t, c, opp.Candidate)
}

func TestMergeOverwritesClassification(t *testing.T) {
	t.Parallel()

	c := Candidate{
		ExternalID: "RFP-2",
		IsRelevant: true,
		Category:   CategoryOther,
		Confidence: 0.66,
		Reason:     "listing mentions software",
	}
	scope := "Implement Dynamics 365"
	e := &Enrichment{
		Classification: Classification{ConfirmedCategory: CategoryDynamics, Confidence: 1.4, Summary: "CRM rollout"},
		ScopeOfWork:    &scope,
	}

	opp := Merge(c, e)
	require.True(t, opp.Enriched())
	require.Equal(t, CategoryDynamics, opp.Category)
	require.Equal(t, 1.0, opp.Confidence)
	require.Equal(t, "CRM rollout", opp.Reason)
	require.Equal(t, "RFP-2", opp.ExternalID)

	// the original candidate is untouched
	require.Equal(t, CategoryOther, c.Category)
	require.Equal(t, 0.66, c.Confidence)
}

func TestCategoryValid(t *testing.T) {
	t.Parallel()

	for _, c := range Categories {
		require.True(t, c.Valid(), c)
	}
	require.False(t, Category("Dynamics").Valid())
	require.False(t, Category("").Valid())
}

func TestSessionStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, SessionPending.Terminal())
	require.False(t, SessionRunning.Terminal())
	for _, s := range []SessionStatus{SessionCompleted, SessionPartial, SessionFailed, SessionCancelled} {
		require.True(t, s.Terminal(), s)
	}
}

func TestClampConfidence(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, ClampConfidence(-0.2))
	require.Equal(t, 0.5, ClampConfidence(0.5))
	require.Equal(t, 1.0, ClampConfidence(3))
}
