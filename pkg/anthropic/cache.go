package anthropic

// CachedSystem returns a single system block with a prompt cache breakpoint.
// The generator's instructions are identical on every call, so only the
// reference payload is billed at the full input rate.
func CachedSystem(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
