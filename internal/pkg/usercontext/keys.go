package usercontext

// Shared Locals keys set by the auth middlewares.
const (
	KeyUserID        = "user_id"
	KeyUsername      = "username"
	KeyIsAdmin       = "isAdmin"
	KeyFromProtected = "from_protected"
)
