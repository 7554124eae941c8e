package recovery

import (
	"context"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// resubmitMessages replays every message left in sync_needed. A message with a
// deletion date is deleted, one the server already created is updated, and the
// rest are sent.
func (m *Manager) resubmitMessages(ctx context.Context, res *Result) error {
	if m.repo == nil || m.network == nil {
		return nil
	}
	pending, err := m.repo.SelectMessagesBySyncStatus(ctx, types.SyncStatusSyncNeeded)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseQuery, "failed to load pending messages")
	}
	metrics.SetPendingMessages(len(pending))

	var firstErr error
	left := len(pending)
	for _, msg := range pending {
		action, echo, err := m.resubmitMessage(ctx, msg)
		metrics.RecordAction("resubmit_"+action, err)
		if err != nil {
			if m.settleMessage(ctx, msg, err) {
				res.Failed++
				left--
			}
			if firstErr == nil {
				firstErr = err
			}
		} else {
			res.Messages++
			left--
			m.confirmMessage(ctx, msg, echo)
		}
		if ctx.Err() != nil {
			break
		}
	}
	metrics.SetPendingMessages(left)
	return firstErr
}

func (m *Manager) resubmitMessage(ctx context.Context, msg types.Message) (string, types.Message, error) {
	var (
		action string
		echo   types.Message
	)
	err := m.retry(ctx, func() error {
		var err error
		switch {
		case msg.IsDeleted():
			action = "delete_message"
			echo, err = m.network.DeleteMessage(ctx, msg.ID, false)
		case !msg.CreatedAt.IsZero():
			action = "update_message"
			echo, err = m.network.UpdateMessage(ctx, msg)
		default:
			action = "send_message"
			var id types.ChannelIdentity
			id, err = types.ParseCID(msg.CID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid channel on pending message")
			}
			echo, err = m.network.SendMessage(ctx, id.Type, id.ID, msg)
		}
		return err
	})
	return action, echo, err
}

// confirmMessage stores the server's answer and shows it in the live channel.
func (m *Manager) confirmMessage(ctx context.Context, msg, echo types.Message) {
	if echo.ID == "" {
		echo = msg
	}
	if echo.CID == "" {
		echo.CID = msg.CID
	}
	echo.SyncStatus = types.SyncStatusCompleted
	if err := m.repo.UpsertMessage(ctx, echo); err != nil {
		m.logger.WithError(err).WithField("message_id", echo.ID).Warn("Failed to store resubmitted message")
	}
	if l, ok := m.lookup(echo.CID); ok {
		l.StateLogic().ReplaceMessage(echo)
	}
	m.logger.WithField("message_id", echo.ID).Debug("Pending message synced")
}

// settleMessage marks msg failed_permanently when err can never succeed and
// reports whether it did. Transient failures stay sync_needed for the next pass.
func (m *Manager) settleMessage(ctx context.Context, msg types.Message, err error) bool {
	fields := logrus.Fields{"message_id": msg.ID, "cid": msg.CID}
	if !errors.IsPermanent(err) {
		m.logger.WithError(err).WithFields(fields).Info("Pending message still not synced")
		return false
	}
	msg.SyncStatus = types.SyncStatusFailedPermanently
	msg.UpdatedLocallyAt = time.Now()
	if uerr := m.repo.UpsertMessage(ctx, msg); uerr != nil {
		m.logger.WithError(uerr).WithFields(fields).Warn("Failed to store message status")
	}
	if l, ok := m.lookup(msg.CID); ok {
		l.StateLogic().ReplaceMessage(msg)
	}
	m.logger.WithError(err).WithFields(fields).Warn("Pending message failed permanently")
	return true
}

// resubmitReactions replays reactions left in sync_needed. A reaction with a
// deletion date is removed, the rest are sent.
func (m *Manager) resubmitReactions(ctx context.Context, res *Result) error {
	if m.repo == nil || m.network == nil {
		return nil
	}
	pending, err := m.repo.SelectReactionsBySyncStatus(ctx, types.SyncStatusSyncNeeded)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseQuery, "failed to load pending reactions")
	}

	var firstErr error
	for _, reaction := range pending {
		action := "send_reaction"
		if !reaction.DeletedAt.IsZero() {
			action = "delete_reaction"
		}
		var echo types.Message
		err := m.retry(ctx, func() error {
			var err error
			if action == "delete_reaction" {
				echo, err = m.network.DeleteReaction(ctx, reaction.MessageID, reaction.Type)
			} else {
				echo, err = m.network.SendReaction(ctx, reaction, reaction.EnforceUnique)
			}
			return err
		})
		metrics.RecordAction("resubmit_"+action, err)

		fields := logrus.Fields{"message_id": reaction.MessageID, "reaction_type": reaction.Type}
		switch {
		case err == nil:
			res.Reactions++
			reaction.SyncStatus = types.SyncStatusCompleted
			m.storeReaction(ctx, reaction)
			if echo.ID != "" {
				if l, ok := m.lookup(echo.CID); ok {
					l.StateLogic().UpsertMessage(echo)
				}
			}
		case errors.IsPermanent(err):
			res.Failed++
			reaction.SyncStatus = types.SyncStatusFailedPermanently
			m.storeReaction(ctx, reaction)
			m.logger.WithError(err).WithFields(fields).Warn("Pending reaction failed permanently")
		default:
			m.logger.WithError(err).WithFields(fields).Info("Pending reaction still not synced")
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return firstErr
}

func (m *Manager) storeReaction(ctx context.Context, reaction types.Reaction) {
	if err := m.repo.UpsertReaction(ctx, reaction); err != nil {
		m.logger.WithError(err).WithField("message_id", reaction.MessageID).Warn("Failed to store reaction status")
	}
}

func (m *Manager) lookup(cid string) (*channel.Logic, bool) {
	if m.channels == nil || cid == "" {
		return nil, false
	}
	return m.channels.Lookup(cid)
}
