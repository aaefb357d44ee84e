package auth

import (
	"context"
	"errors"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// RequireDropAccess enforces the per-drop capability model. Admin sessions
// and disabled auth pass everything; members need a permission row granting
// the action; API keys need a matching per-drop grant.
func (r *Resolver) RequireDropAccess(ctx context.Context, ac Context, dropID int64, action model.Action) error {
	switch ac.Kind {
	case KindDisabled:
		return nil
	case KindAnonymous:
		return ErrUnauthenticated
	case KindSession:
		if ac.User == nil {
			return ErrUnauthenticated
		}
		if ac.User.Disabled {
			return ErrForbidden
		}
		if ac.User.Role == model.RoleAdmin {
			return nil
		}
		perm, err := r.store.GetUserDropPermission(ctx, ac.User.UserID, dropID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrForbidden
		}
		if err != nil {
			return err
		}
		if !perm.Allows(action) {
			return ErrForbidden
		}
		return nil
	case KindAPIKey:
		perm, ok := ac.KeyPerms[dropID]
		if !ok || !perm.Allows(action) {
			return ErrForbidden
		}
		return nil
	}
	return ErrUnauthenticated
}
