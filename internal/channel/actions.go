package channel

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/pkg/chat/types"
	pkgconstants "chatsync/pkg/constants"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SendMessage shows msg immediately as in progress, stores it and sends it.
// On failure the message stays visible, marked failed_permanently or sync_needed.
func (l *Logic) SendMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if l.state.Deleted() {
		return msg, errors.NewChannelDeletedError(l.CID())
	}
	if err := validateText(msg.Text); err != nil {
		return msg, err
	}

	now := time.Now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = types.MessageTypeRegular
	}
	if msg.User.ID == "" {
		msg.User.ID = l.state.CurrentUserID()
	}
	msg.CID = l.CID()
	msg.CreatedLocallyAt = now
	msg.SyncStatus = types.SyncStatusInProgress

	l.logic.ReplaceMessage(msg)
	l.logic.SetLastSentMessageDate(now)
	l.logic.ToggleHidden(false)
	l.persistMessage(ctx, msg)

	if !l.online() {
		return l.failMessage(ctx, "send_message", msg, errors.NewNetworkError("send_message", fmt.Errorf("offline")))
	}

	echo, err := l.network.SendMessage(ctx, l.identity.Type, l.identity.ID, msg)
	if err != nil {
		return l.failMessage(ctx, "send_message", msg, err)
	}

	echo = confirmed(echo)
	echo.SyncStatus = types.SyncStatusCompleted
	echo.CreatedLocallyAt = msg.CreatedLocallyAt
	l.logic.ReplaceMessage(echo)
	l.persistMessage(ctx, echo)
	metrics.RecordAction("send_message", nil)
	return echo, nil
}

// UpdateMessage applies an edit locally, then sends it.
func (l *Logic) UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	stored, ok := l.state.Message(msg.ID)
	if !ok {
		return msg, errors.NewNotFoundError("message", msg.ID)
	}
	if err := validateText(msg.Text); err != nil {
		return msg, err
	}

	msg.CID = l.CID()
	msg.CreatedLocallyAt = stored.CreatedLocallyAt
	msg.UpdatedLocallyAt = time.Now()
	msg.SyncStatus = types.SyncStatusInProgress
	msg = PreserveOwnReactions(msg, &stored)

	l.logic.ReplaceMessage(msg)
	l.persistMessage(ctx, msg)

	if !l.online() {
		return l.failMessage(ctx, "update_message", msg, errors.NewNetworkError("update_message", fmt.Errorf("offline")))
	}

	echo, err := l.network.UpdateMessage(ctx, msg)
	if err != nil {
		return l.failMessage(ctx, "update_message", msg, err)
	}

	echo = PreserveOwnReactions(confirmed(echo), &msg)
	echo.SyncStatus = types.SyncStatusCompleted
	l.logic.ReplaceMessage(echo)
	l.persistMessage(ctx, echo)
	metrics.RecordAction("update_message", nil)
	return echo, nil
}

// DeleteMessage marks the message deleted locally and deletes it remotely.
// A confirmed hard delete removes the message entirely.
func (l *Logic) DeleteMessage(ctx context.Context, messageID string, hard bool) (types.Message, error) {
	stored, ok := l.state.Message(messageID)
	if !ok {
		return types.Message{}, errors.NewNotFoundError("message", messageID)
	}

	now := time.Now()
	msg := stored
	msg.Type = types.MessageTypeDeleted
	msg.DeletedAt = now
	msg.UpdatedLocallyAt = now
	msg.SyncStatus = types.SyncStatusInProgress

	l.logic.ReplaceMessage(msg)
	l.persistMessage(ctx, msg)

	if !l.online() {
		return l.failMessage(ctx, "delete_message", msg, errors.NewNetworkError("delete_message", fmt.Errorf("offline")))
	}

	echo, err := l.network.DeleteMessage(ctx, messageID, hard)
	if err != nil {
		return l.failMessage(ctx, "delete_message", msg, err)
	}

	echo = confirmed(echo)
	echo.SyncStatus = types.SyncStatusCompleted
	if echo.ID == "" {
		echo.ID = messageID
	}
	if hard {
		l.logic.DeleteMessage(echo)
	} else {
		l.logic.ReplaceMessage(echo)
	}
	l.persistMessage(ctx, echo)
	metrics.RecordAction("delete_message", nil)
	return echo, nil
}

// SendReaction adds the current user's reaction to a message. With enforceUnique
// the user's other reactions on that message are replaced.
func (l *Logic) SendReaction(ctx context.Context, reaction types.Reaction, enforceUnique bool) (types.Message, error) {
	stored, ok := l.state.Message(reaction.MessageID)
	if !ok {
		return types.Message{}, errors.NewNotFoundError("message", reaction.MessageID)
	}
	if reaction.Type == "" {
		return stored, errors.NewValidationError("type", "", "reaction type is required")
	}

	userID := l.state.CurrentUserID()
	reaction.UserID = userID
	if reaction.User == nil {
		reaction.User = &types.User{ID: userID}
	}
	if reaction.Score == 0 {
		reaction.Score = 1
	}
	reaction.CreatedAt = time.Now()
	reaction.EnforceUnique = enforceUnique
	reaction.SyncStatus = types.SyncStatusInProgress

	msg := withOwnReaction(stored, reaction, enforceUnique)
	l.logic.ReplaceMessage(msg)
	l.persistReaction(ctx, msg, reaction)

	if !l.online() {
		return l.failReaction(ctx, "send_reaction", msg, reaction, errors.NewNetworkError("send_reaction", fmt.Errorf("offline")))
	}

	echo, err := l.network.SendReaction(ctx, reaction, enforceUnique)
	if err != nil {
		return l.failReaction(ctx, "send_reaction", msg, reaction, err)
	}

	reaction.SyncStatus = types.SyncStatusCompleted
	echo = l.confirmReactionEcho(echo, msg, reaction)
	l.logic.ReplaceMessage(echo)
	l.persistReaction(ctx, echo, reaction)
	metrics.RecordAction("send_reaction", nil)
	return echo, nil
}

// DeleteReaction removes the current user's reaction of reactionType.
func (l *Logic) DeleteReaction(ctx context.Context, messageID, reactionType string) (types.Message, error) {
	stored, ok := l.state.Message(messageID)
	if !ok {
		return types.Message{}, errors.NewNotFoundError("message", messageID)
	}

	userID := l.state.CurrentUserID()
	reaction := types.Reaction{
		MessageID: messageID,
		Type:      reactionType,
		UserID:    userID,
		User:      &types.User{ID: userID},
	}
	for _, r := range stored.OwnReactions {
		if r.Type == reactionType {
			reaction = r
			break
		}
	}
	reaction.DeletedAt = time.Now()
	reaction.SyncStatus = types.SyncStatusInProgress

	msg := withoutOwnReaction(stored, reaction)
	l.logic.ReplaceMessage(msg)
	l.persistReaction(ctx, msg, reaction)

	if !l.online() {
		return l.failReaction(ctx, "delete_reaction", msg, reaction, errors.NewNetworkError("delete_reaction", fmt.Errorf("offline")))
	}

	echo, err := l.network.DeleteReaction(ctx, messageID, reactionType)
	if err != nil {
		return l.failReaction(ctx, "delete_reaction", msg, reaction, err)
	}

	reaction.SyncStatus = types.SyncStatusCompleted
	echo = l.confirmReactionEcho(echo, msg, reaction)
	l.logic.ReplaceMessage(echo)
	l.persistReaction(ctx, echo, reaction)
	metrics.RecordAction("delete_reaction", nil)
	return echo, nil
}

// MarkRead marks the channel read locally and remotely. It is a no-op when
// read events are disabled or there is nothing to read.
func (l *Logic) MarkRead(ctx context.Context) error {
	if !l.logic.MarkChannelAsRead() {
		return nil
	}
	if !l.online() {
		l.logic.MarkRecoveryNeeded()
		return errors.NewNetworkError("mark_read", fmt.Errorf("offline"))
	}
	err := l.network.MarkRead(ctx, l.identity.Type, l.identity.ID)
	metrics.RecordAction("mark_read", err)
	if err != nil {
		l.log().WithError(err).Warn("Failed to mark channel read")
		return fmt.Errorf("failed to mark %s read: %w", l.CID(), err)
	}
	return nil
}

// failMessage records a failed send, edit or delete on the message and returns err.
func (l *Logic) failMessage(ctx context.Context, action string, msg types.Message, err error) (types.Message, error) {
	msg.SyncStatus = failureStatus(err)
	msg.UpdatedLocallyAt = time.Now()
	if msg.SyncStatus == types.SyncStatusSyncNeeded {
		l.logic.MarkRecoveryNeeded()
	}
	l.logic.ReplaceMessage(msg)
	l.persistMessage(ctx, msg)
	metrics.RecordAction(action, err)

	l.log().WithError(err).WithFields(logrus.Fields{
		"action":      action,
		"message_id":  msg.ID,
		"sync_status": msg.SyncStatus,
	}).Warn("Message action failed")
	return msg, err
}

func (l *Logic) failReaction(ctx context.Context, action string, msg types.Message, reaction types.Reaction, err error) (types.Message, error) {
	reaction.SyncStatus = failureStatus(err)
	if reaction.SyncStatus == types.SyncStatusSyncNeeded {
		l.logic.MarkRecoveryNeeded()
	}
	msg.OwnReactions = setReactionStatus(msg.OwnReactions, reaction)
	l.logic.ReplaceMessage(msg)
	l.persistReaction(ctx, msg, reaction)
	metrics.RecordAction(action, err)

	l.log().WithError(err).WithFields(logrus.Fields{
		"action":        action,
		"message_id":    msg.ID,
		"reaction_type": reaction.Type,
		"sync_status":   reaction.SyncStatus,
	}).Warn("Reaction action failed")
	return msg, err
}

// confirmReactionEcho falls back to the optimistic message when the server
// answers without one.
func (l *Logic) confirmReactionEcho(echo, optimistic types.Message, reaction types.Reaction) types.Message {
	if echo.ID == "" {
		echo = optimistic
		echo.OwnReactions = setReactionStatus(echo.OwnReactions, reaction)
		return echo
	}
	return confirmed(echo)
}

func failureStatus(err error) types.SyncStatus {
	if errors.IsPermanent(err) {
		return types.SyncStatusFailedPermanently
	}
	return types.SyncStatusSyncNeeded
}

func validateText(text string) error {
	if utf8.RuneCountInString(text) > pkgconstants.MaxMessageTextLength {
		return errors.NewValidationError("text", "", fmt.Sprintf("message exceeds %d characters", pkgconstants.MaxMessageTextLength))
	}
	return nil
}

func (l *Logic) persistMessage(ctx context.Context, msg types.Message) {
	if l.repo == nil {
		return
	}
	if err := l.repo.UpsertMessage(ctx, msg); err != nil {
		l.log().WithError(err).WithField("message_id", msg.ID).Warn("Failed to persist message")
	}
}

func (l *Logic) persistReaction(ctx context.Context, msg types.Message, reaction types.Reaction) {
	if l.repo == nil {
		return
	}
	if err := l.repo.UpsertReaction(ctx, reaction); err != nil {
		l.log().WithError(err).WithField("message_id", msg.ID).Warn("Failed to persist reaction")
	}
	l.persistMessage(ctx, msg)
}

// withOwnReaction adds reaction to msg's own and latest reactions and counts.
func withOwnReaction(msg types.Message, reaction types.Reaction, enforceUnique bool) types.Message {
	userID := reaction.FetchUserID()
	counts := copyCounts(msg.ReactionCounts)
	scores := copyCounts(msg.ReactionScores)

	alreadyCounted := false
	for _, r := range msg.OwnReactions {
		if r.Type == reaction.Type {
			alreadyCounted = true
		}
	}

	own := msg.OwnReactions
	latest := msg.LatestReactions
	if enforceUnique {
		for _, r := range own {
			if r.Type != reaction.Type {
				decrement(counts, r.Type, 1)
				decrement(scores, r.Type, r.Score)
			}
		}
		own = nil
		latest = dropUserReactions(latest, userID)
	}

	if !alreadyCounted {
		counts[reaction.Type]++
		scores[reaction.Type] += reaction.Score
	}

	msg.OwnReactions = MergeReactions(own, []types.Reaction{reaction})
	msg.LatestReactions = MergeReactions(latest, []types.Reaction{reaction})
	msg.ReactionCounts = counts
	msg.ReactionScores = scores
	return msg
}

// withoutOwnReaction removes a deleted reaction from msg.
func withoutOwnReaction(msg types.Message, reaction types.Reaction) types.Message {
	counts := copyCounts(msg.ReactionCounts)
	scores := copyCounts(msg.ReactionScores)
	for _, r := range msg.OwnReactions {
		if r.Type == reaction.Type {
			decrement(counts, r.Type, 1)
			decrement(scores, r.Type, r.Score)
		}
	}
	msg.OwnReactions = MergeReactions(msg.OwnReactions, []types.Reaction{reaction})
	msg.LatestReactions = MergeReactions(msg.LatestReactions, []types.Reaction{reaction})
	msg.ReactionCounts = counts
	msg.ReactionScores = scores
	return msg
}

func setReactionStatus(reactions []types.Reaction, reaction types.Reaction) []types.Reaction {
	out := make([]types.Reaction, len(reactions))
	for i, r := range reactions {
		if r.Type == reaction.Type && r.FetchUserID() == reaction.FetchUserID() {
			r.SyncStatus = reaction.SyncStatus
		}
		out[i] = r
	}
	return out
}

func dropUserReactions(reactions []types.Reaction, userID string) []types.Reaction {
	out := make([]types.Reaction, 0, len(reactions))
	for _, r := range reactions {
		if r.FetchUserID() != userID {
			out = append(out, r)
		}
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func decrement(counts map[string]int, key string, by int) {
	counts[key] -= by
	if counts[key] <= 0 {
		delete(counts, key)
	}
}
