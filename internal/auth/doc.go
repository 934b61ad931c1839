// Package auth validates request credentials for the gateway's five
// route auth schemes: none, api-key, jwt, oauth2 and basic. Each
// scheme is an Authenticator; the Registry selects one per route and
// returns the caller's Identity or a typed AuthError whose Reason
// distinguishes missing, malformed, invalid and expired credentials.
package auth
