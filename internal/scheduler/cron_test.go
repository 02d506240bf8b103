package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFireTimeFiveFieldExpression(t *testing.T) {
	c := NewRobfigCron()
	after := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	next, err := c.NextFireTime("*/5 * * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), next)
}

func TestNextFireTimeHonorsTimezone(t *testing.T) {
	c := NewRobfigCron()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2025-06-01 is EDT (UTC-4), so 03:00 New York is 07:00 UTC
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := c.NextFireTime("0 3 * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2025, 6, 1, 3, 0, 0, 0, ny)))
	assert.True(t, next.Equal(time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)))
}

func TestNextFireTimeDescriptor(t *testing.T) {
	c := NewRobfigCron()
	after := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	next, err := c.NextFireTime("@hourly", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), next)
}

func TestNextFireTimeRejectsBadInputs(t *testing.T) {
	c := NewRobfigCron()
	after := time.Now()

	_, err := c.NextFireTime("not a cron expr", "", after)
	assert.Error(t, err)

	_, err = c.NextFireTime("*/5 * * * *", "Not/AZone", after)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := NewRobfigCron()
	assert.NoError(t, c.Validate("*/5 * * * *"))
	assert.NoError(t, c.Validate("@daily"))
	assert.Error(t, c.Validate("61 * * * *"))
}

func TestCronSpecTimezonePrefix(t *testing.T) {
	assert.Equal(t, "*/5 * * * *", cronSpec("*/5 * * * *", ""))
	assert.Equal(t, "CRON_TZ=Europe/Berlin 0 9 * * 1", cronSpec("0 9 * * 1", "Europe/Berlin"))
}
