package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/config"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/repository"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Tree(t *testing.T) {
	cmd := NewRootCommand()

	for _, path := range [][]string{{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"}, {"sweep"}} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env"))
}

func TestMigrate_RejectsArgs(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"migrate", "up", "extra"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestSweepCommand(t *testing.T) {
	db := repository.OpenTestDB(t)
	ctx := context.Background()
	events := repository.NewEventRepository(db)
	reminders := repository.NewReminderRepository(db)

	claimedAt := time.Now().UTC().Add(-time.Hour)
	_, err := events.Upsert(ctx, &model.Event{ID: 1, RecipientAddress: "+15551234567", EventTime: claimedAt.Add(48 * time.Hour)})
	require.NoError(t, err)
	inst, _, err := reminders.CreateIfAbsent(ctx, &model.ReminderInstance{
		EventID:          1,
		TemplateID:       1,
		RecipientAddress: "+15551234567",
		RenderedBody:     "Court soon",
		ScheduledFor:     claimedAt,
		Status:           model.ReminderStatusPending,
	})
	require.NoError(t, err)
	_, err = reminders.ClaimDue(ctx, "crashed", claimedAt, 10)
	require.NoError(t, err)

	opts := &RootOptions{openDB: func(*config.Config) (*pg.DB, error) { return db, nil }}
	cmd := newRootCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"sweep"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "recovered 1 stale claims\n", out.String())

	got, err := reminders.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusPending, got.Status)
}
