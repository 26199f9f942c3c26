package care

import (
	"testing"

	"equinecore/testutil"
)

func TestEvaluatorBoundaries(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.Any(
		testutil.InfraImportForbidden,
		testutil.ServiceImportForbidden,
		testutil.DriverImportForbidden,
	), "care evaluates in memory and never reaches storage")
}
