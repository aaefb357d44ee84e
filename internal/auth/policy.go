package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
)

// LoadPolicy reads the auth policy from app settings. A missing setting is an
// empty policy, which allows every email.
func LoadPolicy(ctx context.Context, store *storage.Store) (model.AuthPolicy, error) {
	raw, err := store.GetSetting(ctx, storage.SettingAuthPolicy)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AuthPolicy{}, nil
	}
	if err != nil {
		return model.AuthPolicy{}, err
	}
	var policy model.AuthPolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return model.AuthPolicy{}, fmt.Errorf("auth: decode auth policy: %w", err)
	}
	return policy, nil
}

// SavePolicy persists the policy, normalizing emails and domains to lower
// case. It refuses a policy that would lock out adminEmail when that address
// is configured.
func SavePolicy(ctx context.Context, store *storage.Store, policy model.AuthPolicy, adminEmail string) error {
	for i, e := range policy.AllowedEmails {
		policy.AllowedEmails[i] = strings.ToLower(strings.TrimSpace(e))
	}
	for i, d := range policy.AllowedDomains {
		policy.AllowedDomains[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
	}

	if adminEmail != "" && !EmailAllowed(policy, adminEmail) {
		return fmt.Errorf("auth: policy would lock out admin %s: %w", adminEmail, ErrForbidden)
	}

	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("auth: encode auth policy: %w", err)
	}
	return store.SetSetting(ctx, storage.SettingAuthPolicy, string(raw))
}

// EmailAllowed applies the allowlist. Empty lists allow everyone; otherwise
// the email must match an allowed address or an allowed domain.
func EmailAllowed(policy model.AuthPolicy, email string) bool {
	if len(policy.AllowedEmails) == 0 && len(policy.AllowedDomains) == 0 {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, allowed := range policy.AllowedEmails {
		if email == allowed {
			return true
		}
	}
	_, domain, found := strings.Cut(email, "@")
	if !found {
		return false
	}
	for _, allowed := range policy.AllowedDomains {
		if domain == allowed {
			return true
		}
	}
	return false
}
