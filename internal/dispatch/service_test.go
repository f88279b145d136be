package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_DrainsDueReminders(t *testing.T) {
	e := newEnv(t)
	past := time.Now().Add(-time.Minute).UTC()
	for i := int64(1); i <= 5; i++ {
		e.seed(t, i, 1, past)
	}

	svc := NewService(e.reminders, e.logs, newFakeProvider(accepted("SM-x")), ServiceConfig{
		Workers:      3,
		PollInterval: 20 * time.Millisecond,
		Dispatch:     testConfig(),
	})
	require.Len(t, svc.Workers(), 3)
	assert.NotEqual(t, svc.Workers()[0].Token(), svc.Workers()[1].Token())

	svc.Start()
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		counts, err := e.reminders.CountByStatus(context.Background())
		return err == nil && counts[model.ReminderStatusSent] == 5
	}, 3*time.Second, 20*time.Millisecond)
}
