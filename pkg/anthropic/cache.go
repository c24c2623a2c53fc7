package anthropic

// DefaultCacheTTL is the prompt cache lifetime for system prompts.
const DefaultCacheTTL = "5m"

// CachedSystem returns text as a single cacheable system block. An empty
// ttl uses DefaultCacheTTL.
func CachedSystem(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = DefaultCacheTTL
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
