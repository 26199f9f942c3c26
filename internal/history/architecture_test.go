package history

import (
	"testing"

	"equinecore/testutil"
)

// History persists through domain.HistoryStore; tests may use the memory
// backend but production code must not pick one.
func TestHistoryDoesNotChooseBackend(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InfraImportForbidden, "history must not import a storage backend")
	testutil.AssertNoTransitiveDependency(t, ".", testutil.Any(
		testutil.ServiceImportForbidden,
		testutil.DriverImportForbidden,
	), "history must not link the service or drivers")
}
