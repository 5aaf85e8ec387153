package app

import (
	"context"

	"go.uber.org/zap"
)

// SweepResult counts what one janitor pass cleaned up.
type SweepResult struct {
	StalePresence      int
	ExpiredGuests      int
	ExpiredInvitations int64
}

// Sweep drops stale presence entries, removes guests whose access window has
// closed and expires pending invitations past their deadline. Each step runs
// even when an earlier one fails; the first error is returned.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	stale, err := s.presence.Sweep(ctx)
	keep(err)
	result.StalePresence = stale

	guests, err := s.store.ExpireGuests(ctx, s.now())
	keep(err)
	for _, guest := range guests {
		s.perms.InvalidateUser(guest.UserID)
		if err := s.presence.Leave(ctx, guest.WorkspaceID, guest.UserID); err != nil {
			s.logger.Warn("presence leave failed", zap.String("user_id", guest.UserID), zap.Error(err))
		}
		s.evict(ctx, guest.WorkspaceID, guest.UserID, "guest_expired", guest.ChannelIDs...)
	}
	result.ExpiredGuests = len(guests)

	expired, err := s.store.ExpireInvitations(ctx, s.now())
	keep(err)
	result.ExpiredInvitations = expired

	if result.ExpiredGuests > 0 || result.ExpiredInvitations > 0 {
		s.logger.Info("janitor sweep",
			zap.Int("stale_presence", result.StalePresence),
			zap.Int("expired_guests", result.ExpiredGuests),
			zap.Int64("expired_invitations", result.ExpiredInvitations),
		)
	}
	return result, firstErr
}
