/*
Package llm covers everything the relay needs to know about models.

# Catalog and policy

The catalog (catalog.go, models.toml) lists every model the relay will
forward to, its pricing band, its credit multiplier and the upstream
price per million tokens. It also carries the plan table. A catalog is
immutable once loaded; MODEL_CATALOG_PATH replaces the embedded file.

Access decisions (authorization.go) are pure functions over the catalog:

  - unknown models are denied for every tier
  - guest and free may use the free category only
  - starter adds the budget category, minus an explicit exclusion list
  - pro and business may use every catalogued model

# Estimation and cost

Token counts are estimated, not tokenized. Text is the rounded-up
average of runes/4 and words*1.3; each image adds a flat 85 tokens.
Credits are ceil(tokens/1000 * multiplier), zero for free models and
never zero for unknown ones.

# Upstream streaming

Service posts chat completion requests to OpenRouter with stream=true
and returns a ChatStream. The stream decodes server-sent events, skips
comments and keep-alives, and reports:

  - StreamEvent{Content} for each choices[0].delta.content fragment
  - StreamEvent{Done: true} on data: [DONE]
  - *UpstreamError for non-2xx responses and in-stream error objects
  - ErrIdleTimeout when no bytes arrive within IdleTimeout
  - ErrStreamTruncated when the body ends without [DONE]
*/
package llm
