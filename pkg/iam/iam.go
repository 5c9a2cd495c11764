// Package iam defines the Identity & Authorization shim: the
// platform's real authentication service is an out-of-scope external
// collaborator, so this package is primarily an interface. StaticIAM
// is an in-process reference implementation, sufficient to run and
// test the rest of the stack as a single binary without standing up a
// real auth service.
package iam

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/veilmesh/taskcore/pkg/apierr"
	"github.com/veilmesh/taskcore/pkg/types"
)

// IAM resolves a caller's (id, token) credential pair to a principal
// and its role. Only the frontend gateway calls this; the management
// core trusts whatever UserID (and, where it checks one, Role) the
// gateway passes in as an argument.
type IAM interface {
	Authenticate(ctx context.Context, id, token string) (types.UserID, types.Role, error)
	RoleOf(ctx context.Context, id types.UserID) (types.Role, error)
}

type credential struct {
	Token     string
	Role      types.Role
	ExpiresAt time.Time
}

// StaticIAM is a map-backed credential store: tokens are opaque random
// hex strings with an expiry.
type StaticIAM struct {
	mu    sync.RWMutex
	creds map[types.UserID]*credential
}

// NewStaticIAM returns an empty credential store.
func NewStaticIAM() *StaticIAM {
	return &StaticIAM{creds: make(map[types.UserID]*credential)}
}

// IssueCredential mints a fresh random token for id, valid for ttl.
func (s *StaticIAM) IssueCredential(id types.UserID, role types.Role, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = &credential{Token: token, Role: role, ExpiresAt: time.Now().Add(ttl)}
	return token, nil
}

// RevokeCredential immediately invalidates id's current token.
func (s *StaticIAM) RevokeCredential(id types.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
}

func (s *StaticIAM) Authenticate(_ context.Context, id, token string) (types.UserID, types.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uid := types.UserID(id)
	cred, ok := s.creds[uid]
	if !ok {
		return "", "", apierr.PermissionDenied("unknown principal")
	}
	if token != cred.Token {
		return "", "", apierr.PermissionDenied("credential mismatch")
	}
	if time.Now().After(cred.ExpiresAt) {
		return "", "", apierr.PermissionDenied("credential expired")
	}
	return uid, cred.Role, nil
}

func (s *StaticIAM) RoleOf(_ context.Context, id types.UserID) (types.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return "", apierr.PermissionDenied("unknown principal")
	}
	return cred.Role, nil
}
