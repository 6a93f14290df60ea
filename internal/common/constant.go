package common

// AuthorizationHeaderName carries the bearer session assertion on HTTP requests.
const AuthorizationHeaderName = "Authorization"

// AuthCookieName is the cookie the OAuth callback stores the session assertion in.
const AuthCookieName = "auth_token"

// RequestIDHeaderName is echoed back on every HTTP response.
const RequestIDHeaderName = "X-Request-ID"
