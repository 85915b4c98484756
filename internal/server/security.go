package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultPermissionsPolicy     = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions    = "nosniff"
	// Creation responses carry the channel secret.
	defaultCacheControl = "no-store"
	defaultHSTS         = "max-age=31536000"
)

// SecurityConfig overrides the hardening headers added to every response.
// Empty fields keep the defaults, which forbid loading any resource since the
// API serves JSON only. StrictTransportSecurity is sent on TLS requests only.
type SecurityConfig struct {
	ContentSecurityPolicy   string
	FrameOptions            string
	ReferrerPolicy          string
	PermissionsPolicy       string
	ContentTypeOptions      string
	CacheControl            string
	StrictTransportSecurity string
}

type headerValue struct {
	name, value string
}

func (cfg SecurityConfig) headers() []headerValue {
	pick := func(value, fallback string) string {
		if value != "" {
			return value
		}
		return fallback
	}
	return []headerValue{
		{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy)},
		{"X-Frame-Options", pick(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", pick(cfg.ContentTypeOptions, defaultContentTypeOptions)},
		{"Referrer-Policy", pick(cfg.ReferrerPolicy, defaultReferrerPolicy)},
		{"Permissions-Policy", pick(cfg.PermissionsPolicy, defaultPermissionsPolicy)},
		{"Cache-Control", pick(cfg.CacheControl, defaultCacheControl)},
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := cfg.headers()
	hsts := cfg.StrictTransportSecurity
	if hsts == "" {
		hsts = defaultHSTS
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, hv := range headers {
			h.Set(hv.name, hv.value)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
