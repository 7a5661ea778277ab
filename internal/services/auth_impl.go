package services

import (
	"context"
	"errors"

	"viewfinder/internal/auth"
	"viewfinder/internal/middleware"
)

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
	}
}

// Login authenticates a user and returns a JWT token
func (a *AuthImplementation) Login(ctx context.Context, payload *LoginPayload) (*LoginResult, error) {
	if payload == nil {
		return nil, badRequest("missing credentials")
	}
	token, expiresAt, err := a.authenticator.Authenticate(payload.Username, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			return nil, unauthorized("Invalid username or password")
		case errors.Is(err, auth.ErrAuthDisabled):
			return nil, unauthorized("Authentication is disabled")
		}
		return nil, unauthorized("%v", err)
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatus, error) {
	status := &AuthStatus{Enabled: a.authenticator.IsEnabled()}

	// Claims are set by the auth middleware
	if claims := middleware.GetUserFromContext(ctx); claims != nil {
		status.Authenticated = true
		username := claims.Username
		status.Username = &username
	}
	return status, nil
}
