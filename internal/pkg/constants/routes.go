package constants

// Static route constants
const (
	PublicRoute = "/"

	RegisterRoute = "/register"
	LoginRoute    = "/login"
	LogoutRoute   = "/logout"

	SubscriptionRoute       = "/subscription"
	SubscriptionCancelRoute = "/subscription/cancel"
	PaymentCallbackRoute    = "/payment/callback"
	PaymentWebhookRoute     = "/payment/webhook"
)
