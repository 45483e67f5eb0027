package rest

import "context"

type ctxKeyPrincipal struct{}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal{}, principal)
}

// GetPrincipal returns the authenticated principal set by AuthMiddleware.
func GetPrincipal(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal{}).(string)
	return p, ok && p != ""
}
