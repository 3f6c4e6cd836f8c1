// Package chatrelay is a credit-metered streaming chat relay for OpenRouter
// models.
//
// # Chat Protocol
//
// Clients post one turn at a time to POST /api/chat:
//
//	{"message": "Hi", "model": "openai/gpt-oss-20b:free", "chatId": "…",
//	 "images": [{"type": "image_url", "image_url": {"url": "data:image/png;base64,…"}}]}
//
// The reply is a Server-Sent Events stream:
//
//	data: {"content":"Hel"}
//	data: {"content":"lo"}
//	data: [DONE]
//
// A failure after the request was accepted ends the stream with a single
// data: {"error":"…"} frame and no [DONE]. Failures detected before the
// upstream call are plain JSON responses:
//
//	400 malformed turn
//	401 invalid or expired access token
//	402 insufficient credits
//	403 model not permitted for the caller's plan
//	413 conversation token budget exhausted
//	429 rate limited (Retry-After is set)
//	5xx upstream or internal failure
//
// JSON errors carry "error", "code" and, where the client can act on it,
// "action" (login, upgrade, new_chat, retry) plus balance or limit fields.
//
// # Identities
//
// Requests with an Authorization: Bearer header must carry a valid HS256
// access token signed with SUPABASE_JWT_SECRET; the "sub" claim is the user
// id. Requests without one are guests, identified by the X-Session-ID header;
// a guest chat without one is given a fresh session id in the response header.
// Guests may only use free models and their history lives in memory, readable
// at GET /api/history/{sessionID} only with the matching X-Session-ID.
// Guests are rate limited per client address, users per account.
//
// # Billing
//
// Each completed reply of a paid model is charged
// ceil(tokens / 1000 × multiplier) credits, with tokens estimated from the
// request and reply text. Interrupted or failed streams are never charged.
// Plans are bought outside the relay; the Stripe webhook at
// POST /api/subscription/webhook applies them, granting each checkout session
// at most once.
//
// # Environment Variables
//
//   - OPENROUTER_API_KEY, OPENROUTER_BASE_URL, OPENROUTER_REFERER, OPENROUTER_TITLE
//   - UPSTREAM_CONNECT_TIMEOUT, UPSTREAM_HEADER_TIMEOUT, UPSTREAM_IDLE_TIMEOUT
//   - UPSTREAM_TEMPERATURE, UPSTREAM_MAX_TOKENS, MODEL_CATALOG_PATH
//   - DATABASE_URL, SUPABASE_JWT_SECRET, STRIPE_API_KEY, STRIPE_WEBHOOK_SECRET
//   - PORT, LOG_FORMAT, MAX_TOKENS_PER_CHAT, GUEST_SESSION_TTL,
//     GUEST_MAX_SESSIONS, RATE_LIMIT_PER_MINUTE, AUTO_MIGRATE
package chatrelay
