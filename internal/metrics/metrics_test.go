package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	harvesterJobsTotal = nil
	harvesterPagesFetchedTotal = nil
	harvesterChallengesTotal = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if harvesterJobsTotal == nil || harvesterPagesFetchedTotal == nil || harvesterChallengesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveJob("fetch", "completed")
	if val := testutil.ToFloat64(harvesterJobsTotal.WithLabelValues("fetch", "completed")); val != 1 {
		t.Errorf("Expected harvesterJobsTotal to be 1, got %f", val)
	}

	ObserveChallenge()
	if val := testutil.ToFloat64(harvesterChallengesTotal); val != 1 {
		t.Errorf("Expected harvesterChallengesTotal to be 1, got %f", val)
	}
}

func TestSetAccountsInCooldown(t *testing.T) {
	Init()

	SetAccountsInCooldown(3)
	if val := testutil.ToFloat64(harvesterAccountsInCooldown); val != 3 {
		t.Errorf("Expected harvesterAccountsInCooldown to be 3, got %f", val)
	}
	SetAccountsInCooldown(0)
	if val := testutil.ToFloat64(harvesterAccountsInCooldown); val != 0 {
		t.Errorf("Expected harvesterAccountsInCooldown to be 0, got %f", val)
	}
}
