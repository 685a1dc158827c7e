// Package auth authenticates bearer access tokens issued by on-prem ADFS
// (2012 and 2016+) or Azure AD and resolves them to a local Identity.
//
// An Authenticator is built from Settings. Exactly one of Settings.Server
// (ADFS) and Settings.TenantID (Azure AD) must be set; anything else is a
// configuration error reported by New.
//
// Example:
//
//	authn, err := auth.New(ctx, auth.Settings{
//	    Server:   "adfs.example.com",
//	    ClientID: "your-RP-id",
//	})
//	if err != nil { log.Fatal(err) }
//
//	id, err := authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
//	if errors.Is(err, auth.ErrAuthenticationFailed) { /* 401 */ }
//	if errors.Is(err, auth.ErrServer) { /* 500 */ }
//	fmt.Println(id.Username, id.Groups())
//
// # Validation
//
// Tokens are checked in a fixed order: structure, signature, issuer,
// audience, expiry and not-before (with Settings.Leeway of clock skew), and
// finally account policy. The first failing check determines the error Kind.
// Signing keys are fetched from the provider on first use and refreshed when
// a token names a key the cached set does not contain.
//
// # Guests
//
// Azure AD tokens for accounts homed in another tenant, or authenticated by
// an external identity provider, are guests. With Settings.BlockGuestUsers
// they fail with KindGuestBlocked even when otherwise valid.
//
// # Errors
//
// Every error is an *Error. Its message is deliberately coarse
// ("authentication failed" or "authentication unavailable"); use Kind,
// Detail or errors.Is with the Err* variables for the specific cause.
// ChallengeFor maps an error to the matching HTTP status and
// WWW-Authenticate header.
package auth
