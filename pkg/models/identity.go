// Package models holds the data types shared by the relay, its stores and the
// HTTP layer.
package models

import "strings"

// Tier is a subscription level gating model access and credit allocation.
type Tier string

const (
	TierGuest    Tier = "guest"
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// ParseTier maps a stored or externally supplied plan name onto a Tier.
// Unrecognised values fall back to TierFree.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierStarter:
		return TierStarter
	case TierPro:
		return TierPro
	case TierBusiness:
		return TierBusiness
	case TierGuest:
		return TierGuest
	default:
		return TierFree
	}
}

// IsPaid reports whether the tier is a purchased plan.
func (t Tier) IsPaid() bool {
	return t == TierStarter || t == TierPro || t == TierBusiness
}

// IdentityKind distinguishes signed-in users from anonymous sessions.
type IdentityKind int

const (
	KindGuest IdentityKind = iota
	KindAuthenticated
)

// Identity is resolved once per request and never mutated afterwards.
type Identity struct {
	Kind      IdentityKind
	UserID    string
	SessionID string
	Tier      Tier
}

// Authenticated returns the identity of a verified user.
func Authenticated(userID string, tier Tier) Identity {
	return Identity{Kind: KindAuthenticated, UserID: userID, Tier: tier}
}

// Guest returns the identity of an anonymous session. Guests always carry
// TierGuest.
func Guest(sessionID string) Identity {
	return Identity{Kind: KindGuest, SessionID: sessionID, Tier: TierGuest}
}

// IsGuest reports whether the identity is anonymous.
func (i Identity) IsGuest() bool {
	return i.Kind == KindGuest
}

// Owner is the key conversations are stored under.
func (i Identity) Owner() string {
	if i.IsGuest() {
		return "guest:" + i.SessionID
	}
	return "user:" + i.UserID
}
