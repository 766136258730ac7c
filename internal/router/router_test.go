package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpa-job-distribution/internal/models"
)

func fleet(ids ...string) []models.Robot {
	out := make([]models.Robot, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Robot{ID: id, Status: models.RobotOnline})
	}
	return out
}

func ids(robots []models.Robot) []string {
	out := make([]string, 0, len(robots))
	for _, r := range robots {
		out = append(out, r.ID)
	}
	return out
}

func TestPassThroughWithoutRoutes(t *testing.T) {
	r := New()
	robots := fleet("r1", "r2", "r3")

	eligible := r.EligibleRobots(models.Job{Environment: "production"}, robots)
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(eligible))
}

func TestEnvironmentRouteIntersects(t *testing.T) {
	r := New()
	r.SetEnvironmentRoute("production", []string{"r1", "r4"})
	robots := fleet("r1", "r2", "r3")

	eligible := r.EligibleRobots(models.Job{Environment: "production"}, robots)
	assert.Equal(t, []string{"r1"}, ids(eligible))
}

func TestUnroutedEnvironmentYieldsNothing(t *testing.T) {
	r := New()
	r.SetEnvironmentRoute("production", []string{"r1"})
	robots := fleet("r1", "r2")

	// Once any environment route exists, environments without one get no
	// robots rather than everything.
	eligible := r.EligibleRobots(models.Job{Environment: "staging"}, robots)
	assert.Empty(t, eligible)
}

func TestFallbackOnEmptyResult(t *testing.T) {
	r := New()
	r.SetEnvironmentRoute("production", []string{"gone"})
	r.SetFallback([]string{"r2"})
	robots := fleet("r1", "r2")

	eligible := r.EligibleRobots(models.Job{Environment: "production"}, robots)
	require.Len(t, eligible, 1)
	assert.Equal(t, "r2", eligible[0].ID)
}

func TestRobotsForTag(t *testing.T) {
	r := New()
	r.SetTagRoute("finance", []string{"r1", "r3"})
	robots := fleet("r1", "r2", "r3")

	assert.Equal(t, []string{"r1", "r3"}, ids(r.RobotsForTag("finance", robots)))
	assert.Nil(t, r.RobotsForTag("hr", robots))
}
