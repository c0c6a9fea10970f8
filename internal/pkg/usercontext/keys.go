package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	KeyUserContext    = "USER_CONTEXT"
	KeyUserID         = "user_id"
	KeyUsername       = "username"
	KeyIsAdmin        = "isAdmin"
	KeyFromProtected  = "from_protected"
	KeyAccessDecision = "access_decision"
)
