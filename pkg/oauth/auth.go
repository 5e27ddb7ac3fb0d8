package oauth

import "context"

// TokenAuth adapts a managed token record to the transport's auth hook.
type TokenAuth struct {
	Manager *Manager
	Ref     Ref
}

func (a *TokenAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	tok, err := a.Manager.GetToken(ctx, a.Ref)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok}, nil
}

func (a *TokenAuth) OAuthBacked() bool { return true }

// Refresh forces a new token on the next use, for the one-shot 401/403
// repair the orchestrator performs.
func (a *TokenAuth) Refresh() {
	a.Manager.Invalidate(a.Ref)
}
