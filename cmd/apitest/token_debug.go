package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/pkg/utils"
)

// AnalyzeToken describes the claims of an access token and whether it would
// be accepted with secret. An empty secret skips verification.
func AnalyzeToken(token, secret string) string {
	if token == "" {
		return "ERROR: Token is empty"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Token length: %d\n", len(token))

	if strings.HasPrefix(token, "Bearer ") {
		b.WriteString("WARNING: Token starts with 'Bearer ' prefix, which should be added by the client\n")
		token = strings.TrimPrefix(token, "Bearer ")
	}
	if strings.Count(token, ".") != 2 {
		b.WriteString("ERROR: Token is not a JWT (expected three dot-separated parts)\n")
		return b.String()
	}

	claims, err := auth.ParseUnverified(token)
	if err != nil {
		fmt.Fprintf(&b, "ERROR: Claims could not be decoded: %v\n", err)
		return b.String()
	}

	if claims.Subject != "" {
		fmt.Fprintf(&b, "✓ Subject (user id): %s\n", claims.Subject)
	} else {
		b.WriteString("WARNING: Token has no 'sub' claim and will be rejected\n")
	}
	if claims.Role != "" {
		fmt.Fprintf(&b, "✓ Role: %s\n", claims.Role)
	}
	if claims.Email != "" {
		fmt.Fprintf(&b, "✓ Email: %s\n", claims.Email)
	}
	switch {
	case claims.ExpiresAt == nil:
		b.WriteString("WARNING: Token has no 'exp' claim and will be rejected\n")
	case claims.ExpiresAt.Before(time.Now()):
		fmt.Fprintf(&b, "WARNING: Token expired at %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintf(&b, "✓ Expires in %s\n", time.Until(claims.ExpiresAt.Time).Round(time.Second))
	}

	if secret == "" {
		b.WriteString("Signature not checked (SUPABASE_JWT_SECRET not set)\n")
		return b.String()
	}
	if _, err := auth.ValidateAccessToken(token, secret); err != nil {
		fmt.Fprintf(&b, "✗ Rejected by the configured secret: %v\n", err)
	} else {
		b.WriteString("✓ Signature valid for the configured secret\n")
	}
	return b.String()
}

// DisplayTokenAnalysis prints AnalyzeToken for token using the secret from
// the environment.
func DisplayTokenAnalysis(token string) {
	fmt.Println("🔍 Token Analysis")
	fmt.Println("----------------------------")
	fmt.Printf("Token format: %s\n", utils.MaskToken(token))
	fmt.Print(AnalyzeToken(token, os.Getenv("SUPABASE_JWT_SECRET")))
	fmt.Println("----------------------------")
}
