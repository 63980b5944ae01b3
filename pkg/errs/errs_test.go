package errs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/errs"
)

func TestClassifyMappingTable(t *testing.T) {
	cases := []struct {
		cond errs.Condition
		atr  bool
		want errs.Class
	}{
		{errs.ConditionDocumentNotFound, false, errs.ClassDocNotFound},
		{errs.ConditionDocumentExists, false, errs.ClassDocAlreadyExists},
		{errs.ConditionCASMismatch, false, errs.ClassCASMismatch},
		{errs.ConditionValueTooLarge, true, errs.ClassATRFull},
		{errs.ConditionValueTooLarge, false, errs.ClassOther},
		{errs.ConditionUnambiguousTimeout, false, errs.ClassTransient},
		{errs.ConditionTemporaryFailure, false, errs.ClassTransient},
		{errs.ConditionDurableWriteInProgress, false, errs.ClassTransient},
		{errs.ConditionDurabilityAmbiguous, false, errs.ClassAmbiguous},
		{errs.ConditionAmbiguousTimeout, false, errs.ClassAmbiguous},
		{errs.ConditionRequestCanceled, false, errs.ClassAmbiguous},
		{errs.ConditionPathNotFound, false, errs.ClassPathNotFound},
		{errs.ConditionPathExists, false, errs.ClassPathAlreadyExists},
		{errs.ConditionOther, false, errs.ClassOther},
	}
	for _, tc := range cases {
		got := errs.Classify(tc.cond, tc.atr)
		require.Equalf(t, tc.want, got, "cond=%v atr=%v", tc.cond, tc.atr)
	}
}

func TestPolicyFor(t *testing.T) {
	require.Equal(t, errs.PolicyRetryOp, errs.PolicyFor(errs.ClassTransient))
	require.Equal(t, errs.PolicyTreatAsTransientUnlessExpired, errs.PolicyFor(errs.ClassAmbiguous))
	require.Equal(t, errs.PolicyAbortAttemptExpired, errs.PolicyFor(errs.ClassExpiry))
	require.Equal(t, errs.PolicyAbortAttemptFailed, errs.PolicyFor(errs.ClassCASMismatch))
	require.Equal(t, errs.PolicyAbortTransactionNoRollback, errs.PolicyFor(errs.ClassHard))
}
